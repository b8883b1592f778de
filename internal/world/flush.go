package world

import (
	"context"
	"time"

	"driftworld/server/internal/persist"
	"driftworld/server/internal/proto"
)

// flushTimeout bounds one persistence write burst.
const flushTimeout = 10 * time.Second

// flushSet is one journal generation serialized on the simulation
// goroutine, safe to hand to a worker.
type flushSet struct {
	changes    persist.Changes
	entities   []proto.EntityRecord
	removals   []string
	blueprints []proto.BlueprintRecord
	users      []proto.UserRecord
	chat       []proto.ChatRecord
	spawn      *persist.SpawnRecord
	saveSpawn  bool
	saveChat   bool
}

func (w *World) collectFlush() flushSet {
	changes := w.journal.Take()
	set := flushSet{
		changes:   changes,
		removals:  changes.Removed,
		saveSpawn: changes.Spawn,
		saveChat:  changes.Chat,
	}
	for _, id := range changes.Entities {
		if e := w.store.Get(id); e != nil {
			set.entities = append(set.entities, e.Serialize())
		}
	}
	for _, id := range changes.Blueprints {
		if bp, err := w.blueprints.Get(id); err == nil {
			set.blueprints = append(set.blueprints, bp.Record())
		}
	}
	for _, id := range changes.Users {
		if u, ok := w.users[id]; ok {
			set.users = append(set.users, u)
		}
	}
	if changes.Chat {
		set.chat = w.chatLog.Records()
	}
	if changes.Spawn {
		set.spawn = w.spawn
	}
	return set
}

// flush writes the journal asynchronously. A failed flush merges its
// marks back so the next interval retries.
func (w *World) flush() {
	if w.saver == nil || w.flushing || w.journal.Empty() {
		return
	}
	set := w.collectFlush()
	w.flushing = true
	go func() {
		err := w.writeFlush(set)
		w.Post(func() {
			w.flushing = false
			if err != nil {
				w.logger.Warn().Err(err).Msg("persistence flush failed, retrying next interval")
				w.journal.Merge(set.changes)
			}
		})
	}()
}

// flushSync writes the journal inline, used at shutdown.
func (w *World) flushSync() {
	if w.saver == nil || w.journal.Empty() {
		return
	}
	set := w.collectFlush()
	if err := w.writeFlush(set); err != nil {
		w.logger.Error().Err(err).Msg("final persistence flush failed")
	}
}

func (w *World) writeFlush(set flushSet) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.saver.SaveEntities(ctx, set.entities, set.removals); err != nil {
		return err
	}
	if err := w.saver.SaveBlueprints(ctx, set.blueprints); err != nil {
		return err
	}
	if err := w.saver.SaveUsers(ctx, set.users); err != nil {
		return err
	}
	if set.saveChat {
		if err := w.saver.SaveChat(ctx, set.chat); err != nil {
			return err
		}
	}
	if set.saveSpawn {
		if err := w.saver.SaveSpawn(ctx, set.spawn); err != nil {
			return err
		}
	}
	return nil
}
