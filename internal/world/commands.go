package world

import (
	"fmt"

	"driftworld/server/internal/chat"
	"driftworld/server/internal/persist"
	"driftworld/server/internal/proto"
)

// Role names checked by privileged commands.
const (
	RoleAdmin   = "admin"
	RoleBuilder = "builder"
)

// onChat handles an inbound chat packet: slash commands are consumed,
// ordinary messages are logged and fanned out.
func (w *World) onChat(sess *Session, rec proto.ChatRecord) {
	if cmd, ok := chat.ParseCommand(rec.Body); ok {
		w.runCommand(sess, cmd)
		return
	}

	msg := chat.Message{
		ID:        rec.ID,
		FromID:    sess.id,
		Author:    sess.user.Name,
		Body:      rec.Body,
		Timestamp: rec.Timestamp,
	}
	if msg.ID == "" {
		return
	}
	w.chatLog.Add(msg)
	w.journal.MarkChat()
	w.broadcastExcept(sess.id, proto.TagChatAdded, msg.Record())
}

// whisper sends a private system message to one session.
func (w *World) whisper(sess *Session, body string) {
	msg := chat.System(body)
	if err := sess.send(proto.TagChatAdded, msg.Record()); err != nil {
		w.logger.Warn().Str("session", sess.id).Err(err).Msg("whisper failed")
	}
}

func (w *World) runCommand(sess *Session, cmd chat.Command) {
	switch cmd.Name {
	case "name":
		w.cmdName(sess, cmd.Args)
	case "admin":
		w.cmdAdmin(sess, cmd.Args)
	case "spawn":
		w.cmdSpawn(sess, cmd.Args)
	default:
		w.whisper(sess, fmt.Sprintf("unknown command /%s", cmd.Name))
	}
}

func (w *World) cmdName(sess *Session, args []string) {
	if len(args) == 0 || args[0] == "" {
		w.whisper(sess, "usage: /name <new name>")
		return
	}
	sess.user.Name = args[0]
	w.updateUser(sess.user)
	w.pushUser(sess)
	w.whisper(sess, fmt.Sprintf("you are now %s", sess.user.Name))
}

func (w *World) cmdAdmin(sess *Session, args []string) {
	if w.cfg.AdminCode == "" {
		w.whisper(sess, "admin access is disabled")
		return
	}
	if len(args) == 0 || args[0] != w.cfg.AdminCode {
		w.whisper(sess, "wrong code")
		return
	}
	if sess.user.HasRole(RoleAdmin) {
		w.whisper(sess, "you are already an admin")
		return
	}
	sess.user.Roles = append(sess.user.Roles, RoleAdmin)
	w.updateUser(sess.user)
	w.pushUser(sess)
	w.whisper(sess, "admin granted")
}

func (w *World) cmdSpawn(sess *Session, args []string) {
	if !sess.user.HasRole(RoleAdmin) && !sess.user.HasRole(RoleBuilder) {
		w.whisper(sess, "you lack permission for /spawn")
		return
	}
	if len(args) == 0 {
		w.whisper(sess, "usage: /spawn set|clear")
		return
	}
	switch args[0] {
	case "set":
		player := w.store.Get(sess.playerID)
		if player == nil {
			return
		}
		rec := player.Serialize()
		w.spawn = &persist.SpawnRecord{Position: rec.Position}
		w.journal.MarkSpawn()
		w.whisper(sess, "spawn set to your position")
	case "clear":
		w.spawn = nil
		w.journal.MarkSpawn()
		w.whisper(sess, "spawn cleared")
	default:
		w.whisper(sess, "usage: /spawn set|clear")
	}
}

// pushUser replicates an identity change on the player entity to every
// session, the issuing one included.
func (w *World) pushUser(sess *Session) {
	if sess.playerID == "" {
		return
	}
	if player := w.store.Get(sess.playerID); player != nil {
		player.Modify(proto.EntityModified{ID: sess.playerID, User: &sess.user})
	}
	w.journal.MarkEntity(sess.playerID)
	w.Broadcast(proto.TagEntityModified, proto.EntityModified{ID: sess.playerID, User: &sess.user})
}
