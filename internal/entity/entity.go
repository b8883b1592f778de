// Package entity holds the live entity kinds (scripted apps, the locally
// controlled player, interpolated remote players) and the indexed store
// the tick engine walks.
package entity

import (
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/blueprint"
	"driftworld/server/internal/events"
	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
	"driftworld/server/internal/scene"
	"driftworld/server/internal/script"
)

// Kind discriminates the entity variants.
type Kind string

const (
	KindPlayer Kind = "player"
	KindApp    Kind = "app"
)

// World is the collaborator surface entities need. The concrete world
// lives in internal/world; tests install fakes.
type World interface {
	IsServer() bool
	// LocalID names the socket this process owns; entity owner and
	// mover/uploader tags compare against it.
	LocalID() string
	Assets() *assets.Cache
	Blueprints() *blueprint.Registry
	Graph() *scene.Arena
	Physics() physics.Scene
	Events() *events.Bus
	Sandbox() *script.Sandbox
	// Broadcast sends a packet to every peer on behalf of the local
	// authority.
	Broadcast(tag proto.Tag, payload any)
	// Post schedules fn on the simulation goroutine; it runs between
	// frames, never mid-phase.
	Post(fn func())
	SetHot(e Entity, hot bool)
	NetworkPeriod() float64
	MarkDirty(entityID string)
	Logger() zerolog.Logger
}

// Entity is the shared interface over players and apps.
type Entity interface {
	ID() string
	Kind() Kind
	Owner() string
	Version() uint64
	Hot() bool

	FixedUpdate(dt float64)
	Update(dt float64)
	LateUpdate(dt float64)
	PostLateUpdate(dt float64)

	OnEvent(version int, name string, data any, origin string)
	Modify(patch proto.EntityModified)
	Serialize() proto.EntityRecord
	Destroy()

	setHot(hot bool)
}

// Base carries the fields every entity shares.
type Base struct {
	id      string
	kind    Kind
	owner   string
	version uint64
	hot     bool
}

func newBase(id string, kind Kind, owner string) Base {
	return Base{id: id, kind: kind, owner: owner}
}

// ID returns the process-wide unique identifier.
func (b *Base) ID() string { return b.id }

// Kind returns the entity variant.
func (b *Base) Kind() Kind { return b.kind }

// Owner names the socket authoritative for this entity's transient state.
func (b *Base) Owner() string { return b.owner }

// Version returns the monotone modification counter.
func (b *Base) Version() uint64 { return b.version }

// Hot reports membership in the per-frame update set.
func (b *Base) Hot() bool { return b.hot }

func (b *Base) setHot(hot bool) { b.hot = hot }

func (b *Base) bump() { b.version++ }

// ErrIDReused reports an attempt to add an entity under an identifier that
// was already used this session.
var ErrIDReused = eris.New("entity id reused")

// Store indexes live entities: primary by id, a player sub-index, the hot
// set walked by the tick engine, and the local player reference. Owned by
// the simulation goroutine.
type Store struct {
	entities map[string]Entity
	players  map[string]Entity
	hot      map[string]Entity
	local    Entity
	retired  map[string]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]Entity),
		players:  make(map[string]Entity),
		hot:      make(map[string]Entity),
		retired:  make(map[string]struct{}),
	}
}

// Add registers an entity. Identifiers are never reused within a session;
// re-adding a removed id fails.
func (s *Store) Add(e Entity, local bool) error {
	id := e.ID()
	if _, ok := s.entities[id]; ok {
		return eris.Wrapf(ErrIDReused, "id %s is live", id)
	}
	if _, ok := s.retired[id]; ok {
		return eris.Wrapf(ErrIDReused, "id %s was retired", id)
	}
	s.entities[id] = e
	if e.Kind() == KindPlayer {
		s.players[id] = e
	}
	if local {
		s.local = e
	}
	return nil
}

// Get returns the entity or nil.
func (s *Store) Get(id string) Entity {
	return s.entities[id]
}

// Remove destroys and drops the entity. The id is retired for the rest of
// the session.
func (s *Store) Remove(id string) Entity {
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	e.Destroy()
	delete(s.entities, id)
	delete(s.players, id)
	delete(s.hot, id)
	s.retired[id] = struct{}{}
	if s.local == e {
		s.local = nil
	}
	return e
}

// SetHot toggles membership in the tick walk-set. O(1).
func (s *Store) SetHot(e Entity, hot bool) {
	if hot {
		s.hot[e.ID()] = e
	} else {
		delete(s.hot, e.ID())
	}
	e.setHot(hot)
}

// Hot returns the current hot set as a slice so callbacks may toggle
// membership during the walk.
func (s *Store) Hot() []Entity {
	out := make([]Entity, 0, len(s.hot))
	for _, e := range s.hot {
		out = append(out, e)
	}
	return out
}

// Local returns the locally-owned player entity, or nil on a server.
func (s *Store) Local() Entity {
	return s.local
}

// Players returns the player sub-index as a slice.
func (s *Store) Players() []Entity {
	out := make([]Entity, 0, len(s.players))
	for _, e := range s.players {
		out = append(out, e)
	}
	return out
}

// Each visits every live entity.
func (s *Store) Each(fn func(Entity)) {
	for _, e := range s.entities {
		fn(e)
	}
}

// Len reports the number of live entities.
func (s *Store) Len() int {
	return len(s.entities)
}

// Serialize snapshots every entity for the join snapshot and persistence.
func (s *Store) Serialize() []proto.EntityRecord {
	out := make([]proto.EntityRecord, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Serialize())
	}
	return out
}
