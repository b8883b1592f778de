package world

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"driftworld/server/internal/entity"
	"driftworld/server/internal/proto"
)

// admit runs on the simulation goroutine: authenticate, mint the player,
// snapshot to the new socket, announce to everyone else.
func (w *World) admit(sess *Session, authToken string) {
	user, fresh := w.authenticate(authToken)
	sess.user = user
	sess.token = fresh
	w.sessions[sess.id] = sess

	pos, yaw := w.SpawnPoint()
	facing := mgl64.QuatRotate(yaw, mgl64.Vec3{0, 1, 0})
	rec := proto.EntityRecord{
		ID:         uuid.NewString(),
		Kind:       string(entity.KindPlayer),
		Owner:      sess.id,
		Position:   pos,
		Quaternion: []float64{facing.V.X(), facing.V.Y(), facing.V.Z(), facing.W},
		User:       &user,
	}
	player := entity.NewPlayerRemote(w, rec)
	if err := w.store.Add(player, false); err != nil {
		w.logger.Error().Str("session", sess.id).Err(err).Msg("player admission failed")
		sess.close()
		delete(w.sessions, sess.id)
		return
	}
	sess.playerID = rec.ID
	w.journal.MarkEntity(rec.ID)

	snap := proto.Snapshot{
		ID:         sess.id,
		ServerTime: time.Now().UnixMilli(),
		Chat:       w.chatLog.Records(),
		Blueprints: w.blueprints.Serialize(),
		Entities:   w.store.Serialize(),
		AuthToken:  fresh,
	}
	if err := sess.send(proto.TagSnapshot, snap); err != nil {
		w.logger.Warn().Str("session", sess.id).Err(err).Msg("snapshot send failed")
		w.drop(sess)
		return
	}
	w.broadcastExcept(sess.id, proto.TagEntityAdded, proto.EntityAdded{Entity: player.Serialize()})
	w.logger.Info().Str("session", sess.id).Str("user", user.ID).Str("name", user.Name).Msg("session joined")
}

// drop runs on the simulation goroutine: removes the session, its player,
// and every authoring claim it held.
func (w *World) drop(sess *Session) {
	if _, ok := w.sessions[sess.id]; !ok {
		return
	}
	delete(w.sessions, sess.id)
	sess.close()

	if sess.playerID != "" {
		w.store.Remove(sess.playerID)
		w.journal.MarkEntityRemoved(sess.playerID)
		w.Broadcast(proto.TagEntityRemoved, proto.EntityRemoved{ID: sess.playerID})
	}

	// A departed mover or uploader must not freeze apps: clear the tags
	// and rebuild the affected apps, announcing the cleared state.
	cleared := ""
	w.store.Each(func(e entity.Entity) {
		app, ok := e.(*entity.App)
		if !ok {
			return
		}
		wasMover := app.Mover() == sess.id
		wasUploader := app.Uploader() == sess.id
		if !app.ClearSessionTags(sess.id) {
			return
		}
		patch := proto.EntityModified{ID: app.ID()}
		if wasMover {
			patch.Mover = &cleared
			patch.TransformMode = &cleared
		}
		if wasUploader {
			patch.Uploader = &cleared
		}
		w.Broadcast(proto.TagEntityModified, patch)
		w.journal.MarkEntity(app.ID())
		app.Rebuild()
	})
	w.logger.Info().Str("session", sess.id).Msg("session left")
}

// dispatch routes one inbound packet. Runs between frames on the
// simulation goroutine.
func (w *World) dispatch(in inbound) {
	sess := in.sess
	if _, ok := w.sessions[sess.id]; !ok {
		return
	}
	switch in.tag {
	case proto.TagEntityModified:
		var patch proto.EntityModified
		if err := proto.DecodePayload(in.body, &patch); err != nil {
			w.logger.Warn().Str("session", sess.id).Err(err).Msg("bad entityModified")
			return
		}
		w.onEntityModified(sess, patch)

	case proto.TagEntityAdded:
		var added proto.EntityAdded
		if err := proto.DecodePayload(in.body, &added); err != nil {
			w.logger.Warn().Str("session", sess.id).Err(err).Msg("bad entityAdded")
			return
		}
		w.onEntityAdded(sess, added.Entity)

	case proto.TagEntityRemoved:
		var rem proto.EntityRemoved
		if err := proto.DecodePayload(in.body, &rem); err != nil {
			return
		}
		w.onEntityRemoved(sess, rem.ID)

	case proto.TagEntityEvent:
		var ev proto.EntityEvent
		if err := proto.DecodePayload(in.body, &ev); err != nil {
			w.logger.Warn().Str("session", sess.id).Err(err).Msg("bad entityEvent")
			return
		}
		if target := w.store.Get(ev.EntityID); target != nil {
			target.OnEvent(ev.Version, ev.Name, ev.Data, sess.id)
		}
		w.broadcastExcept(sess.id, proto.TagEntityEvent, ev)

	case proto.TagBlueprintAdded:
		var rec proto.BlueprintRecord
		if err := proto.DecodePayload(in.body, &rec); err != nil {
			return
		}
		w.blueprints.Apply(rec)
		w.journal.MarkBlueprint(rec.ID)
		w.broadcastExcept(sess.id, proto.TagBlueprintAdded, rec)

	case proto.TagBlueprintModified:
		var rec proto.BlueprintRecord
		if err := proto.DecodePayload(in.body, &rec); err != nil {
			return
		}
		w.blueprints.Apply(rec)
		w.journal.MarkBlueprint(rec.ID)
		w.broadcastExcept(sess.id, proto.TagBlueprintModified, rec)
		w.rebuildAppsOf(rec.ID)

	case proto.TagChatAdded:
		var rec proto.ChatRecord
		if err := proto.DecodePayload(in.body, &rec); err != nil {
			return
		}
		w.onChat(sess, rec)

	case proto.TagPlayerTeleport:
		var tp proto.PlayerTeleport
		if err := proto.DecodePayload(in.body, &tp); err != nil {
			return
		}
		w.onTeleport(sess, tp)

	case proto.TagPong:
		var pong proto.Pong
		if err := proto.DecodePayload(in.body, &pong); err != nil {
			return
		}
		sess.missedPings = 0
		sess.rttMillis = time.Now().UnixMilli() - pong.Time

	case proto.TagPing:
		var ping proto.Ping
		if err := proto.DecodePayload(in.body, &ping); err != nil {
			return
		}
		_ = sess.send(proto.TagPong, proto.Pong{Time: ping.Time})

	default:
		w.logger.Warn().Str("session", sess.id).Str("tag", in.tag.String()).Msg("unexpected packet")
	}
}

func (w *World) onEntityModified(sess *Session, patch proto.EntityModified) {
	target := w.store.Get(patch.ID)
	if target == nil {
		return
	}
	// Player pose is owner-only; apps are collaboratively editable.
	if target.Kind() == entity.KindPlayer && target.Owner() != sess.id {
		w.logger.Warn().Str("session", sess.id).Str("entity", patch.ID).Msg("rejected foreign player patch")
		return
	}
	if patch.User != nil && target.Kind() == entity.KindPlayer {
		// Identity edits keep the server's user table authoritative.
		u := *patch.User
		u.ID = sess.user.ID
		u.Roles = sess.user.Roles
		sess.user.Name = u.Name
		sess.user.Avatar = u.Avatar
		w.updateUser(sess.user)
		patch.User = &sess.user
	}
	target.Modify(patch)
	w.broadcastExcept(sess.id, proto.TagEntityModified, patch)
}

func (w *World) onEntityAdded(sess *Session, rec proto.EntityRecord) {
	if rec.Kind != string(entity.KindApp) {
		w.logger.Warn().Str("session", sess.id).Str("kind", rec.Kind).Msg("rejected entityAdded kind")
		return
	}
	if rec.ID == "" {
		return
	}
	rec.Owner = sess.id
	app := entity.NewApp(w, rec)
	if err := w.store.Add(app, false); err != nil {
		w.logger.Warn().Str("session", sess.id).Str("entity", rec.ID).Err(err).Msg("entityAdded rejected")
		return
	}
	app.Rebuild()
	w.journal.MarkEntity(rec.ID)
	w.broadcastExcept(sess.id, proto.TagEntityAdded, proto.EntityAdded{Entity: rec})
}

func (w *World) onEntityRemoved(sess *Session, id string) {
	target := w.store.Get(id)
	if target == nil {
		return
	}
	if target.Kind() == entity.KindPlayer {
		// Players leave with their socket, never by request.
		return
	}
	w.store.Remove(id)
	w.journal.MarkEntityRemoved(id)
	w.broadcastExcept(sess.id, proto.TagEntityRemoved, proto.EntityRemoved{ID: id})
}

func (w *World) onTeleport(sess *Session, tp proto.PlayerTeleport) {
	target := w.store.Get(tp.ID)
	player, ok := target.(*entity.PlayerRemote)
	if !ok {
		return
	}
	patch := proto.EntityModified{ID: tp.ID, P: tp.Position, T: true}
	if tp.Yaw != nil {
		facing := mgl64.QuatRotate(*tp.Yaw, mgl64.Vec3{0, 1, 0})
		patch.Q = []float64{facing.V.X(), facing.V.Y(), facing.V.Z(), facing.W}
	}
	player.Modify(patch)
	w.journal.MarkEntity(tp.ID)
	w.broadcastExcept(sess.id, proto.TagPlayerTeleport, tp)
}

// rebuildAppsOf rebuilds every app bound to the blueprint.
func (w *World) rebuildAppsOf(blueprintID string) {
	w.store.Each(func(e entity.Entity) {
		if app, ok := e.(*entity.App); ok && app.BlueprintID() == blueprintID {
			app.Rebuild()
		}
	})
}
