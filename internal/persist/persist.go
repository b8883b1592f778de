// Package persist saves world state between runs. The journal tracks
// what changed since the last flush; the store writes those changes to
// Redis. Both live on the simulation goroutine's schedule: the journal is
// drained between frames and the flush itself runs on a worker.
package persist

import (
	"context"

	"driftworld/server/internal/proto"
)

// SpawnRecord is the persisted spawn override set by /spawn set.
type SpawnRecord struct {
	Position []float64 `json:"position"`
	Yaw      float64   `json:"yaw"`
}

// WorldRecord is everything a world loads on boot.
type WorldRecord struct {
	Entities   []proto.EntityRecord
	Blueprints []proto.BlueprintRecord
	Users      []proto.UserRecord
	Chat       []proto.ChatRecord
	Spawn      *SpawnRecord
}

// Store reads and writes the persisted world.
type Store interface {
	LoadWorld(ctx context.Context) (*WorldRecord, error)
	SaveEntities(ctx context.Context, upserts []proto.EntityRecord, removals []string) error
	SaveBlueprints(ctx context.Context, blueprints []proto.BlueprintRecord) error
	SaveUsers(ctx context.Context, users []proto.UserRecord) error
	SaveChat(ctx context.Context, chat []proto.ChatRecord) error
	SaveSpawn(ctx context.Context, spawn *SpawnRecord) error
	Close() error
}

// Journal accumulates dirty marks between flushes. Owned by the
// simulation goroutine; not safe for concurrent use.
type Journal struct {
	entities   map[string]struct{}
	removed    map[string]struct{}
	blueprints map[string]struct{}
	users      map[string]struct{}
	chat       bool
	spawn      bool
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{
		entities:   make(map[string]struct{}),
		removed:    make(map[string]struct{}),
		blueprints: make(map[string]struct{}),
		users:      make(map[string]struct{}),
	}
}

// MarkEntity records an entity upsert.
func (j *Journal) MarkEntity(id string) {
	j.entities[id] = struct{}{}
	delete(j.removed, id)
}

// MarkEntityRemoved records an entity deletion.
func (j *Journal) MarkEntityRemoved(id string) {
	delete(j.entities, id)
	j.removed[id] = struct{}{}
}

// MarkBlueprint records a blueprint change.
func (j *Journal) MarkBlueprint(id string) { j.blueprints[id] = struct{}{} }

// MarkUser records an identity change.
func (j *Journal) MarkUser(id string) { j.users[id] = struct{}{} }

// MarkChat records chat log growth.
func (j *Journal) MarkChat() { j.chat = true }

// MarkSpawn records a spawn override change.
func (j *Journal) MarkSpawn() { j.spawn = true }

// Empty reports whether there is anything to flush.
func (j *Journal) Empty() bool {
	return len(j.entities) == 0 && len(j.removed) == 0 &&
		len(j.blueprints) == 0 && len(j.users) == 0 && !j.chat && !j.spawn
}

// Changes is one drained journal generation.
type Changes struct {
	Entities   []string
	Removed    []string
	Blueprints []string
	Users      []string
	Chat       bool
	Spawn      bool
}

// Take drains the journal and resets it.
func (j *Journal) Take() Changes {
	c := Changes{Chat: j.chat, Spawn: j.spawn}
	for id := range j.entities {
		c.Entities = append(c.Entities, id)
	}
	for id := range j.removed {
		c.Removed = append(c.Removed, id)
	}
	for id := range j.blueprints {
		c.Blueprints = append(c.Blueprints, id)
	}
	for id := range j.users {
		c.Users = append(c.Users, id)
	}
	j.entities = make(map[string]struct{})
	j.removed = make(map[string]struct{})
	j.blueprints = make(map[string]struct{})
	j.users = make(map[string]struct{})
	j.chat = false
	j.spawn = false
	return c
}

// Merge puts a drained generation back, used when a flush fails and the
// changes must survive to the next interval.
func (j *Journal) Merge(c Changes) {
	for _, id := range c.Entities {
		if _, gone := j.removed[id]; !gone {
			j.entities[id] = struct{}{}
		}
	}
	for _, id := range c.Removed {
		j.MarkEntityRemoved(id)
	}
	for _, id := range c.Blueprints {
		j.blueprints[id] = struct{}{}
	}
	for _, id := range c.Users {
		j.users[id] = struct{}{}
	}
	j.chat = j.chat || c.Chat
	j.spawn = j.spawn || c.Spawn
}
