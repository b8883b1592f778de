// Package blueprint keeps the immutable-versioned catalog of app
// templates. Any modification produces a new version; event listeners gate
// against the version so stale events never cross a rebuild boundary.
package blueprint

import (
	"sync"

	"github.com/rotisserie/eris"

	"driftworld/server/internal/proto"
)

// ErrUnknown reports a lookup for an id that was never registered.
var ErrUnknown = eris.New("unknown blueprint")

// Blueprint is one immutable version of an app template. Callers must not
// mutate a returned Blueprint; Modify mints the next version instead.
type Blueprint struct {
	ID      string
	Version int
	Model   string
	Script  string
	Config  map[string]any
	Preload bool
}

// Record converts to the wire/persistence form.
func (b *Blueprint) Record() proto.BlueprintRecord {
	return proto.BlueprintRecord{
		ID:      b.ID,
		Version: b.Version,
		Model:   b.Model,
		Script:  b.Script,
		Config:  b.Config,
		Preload: b.Preload,
	}
}

// FromRecord builds a blueprint from its wire form.
func FromRecord(r proto.BlueprintRecord) *Blueprint {
	return &Blueprint{
		ID:      r.ID,
		Version: r.Version,
		Model:   r.Model,
		Script:  r.Script,
		Config:  r.Config,
		Preload: r.Preload,
	}
}

// Registry is the catalog of blueprints. Guarded by a mutex because app
// builds read it from their fetch goroutines.
type Registry struct {
	mu  sync.Mutex
	m   map[string]*Blueprint
	sub func(*Blueprint, bool)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*Blueprint)}
}

// Subscribe installs the change callback; added is true for first
// registration, false for a version bump. At most one subscriber (the
// replicator) is supported.
func (r *Registry) Subscribe(fn func(bp *Blueprint, added bool)) {
	r.sub = fn
}

// Add registers a blueprint. A record with version 0 is normalized to 1.
// Returns false when the id is already present.
func (r *Registry) Add(bp *Blueprint) bool {
	if bp.Version <= 0 {
		bp.Version = 1
	}
	r.mu.Lock()
	if _, exists := r.m[bp.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.m[bp.ID] = bp
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		sub(bp, true)
	}
	return true
}

// Get returns the current version of the blueprint.
func (r *Registry) Get(id string) (*Blueprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.m[id]
	if !ok {
		return nil, eris.Wrapf(ErrUnknown, "id %s", id)
	}
	return bp, nil
}

// Modify applies partial changes and publishes version+1. The previous
// version value stays untouched so in-flight builds observe a consistent
// snapshot.
func (r *Registry) Modify(id string, change proto.BlueprintRecord) (*Blueprint, error) {
	r.mu.Lock()
	prev, ok := r.m[id]
	if !ok {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrUnknown, "id %s", id)
	}
	next := &Blueprint{
		ID:      prev.ID,
		Version: prev.Version + 1,
		Model:   prev.Model,
		Script:  prev.Script,
		Config:  prev.Config,
		Preload: prev.Preload,
	}
	if change.Model != "" {
		next.Model = change.Model
	}
	if change.Script != "" {
		next.Script = change.Script
	}
	if change.Config != nil {
		next.Config = change.Config
	}
	if change.Preload {
		next.Preload = true
	}
	r.m[id] = next
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		sub(next, false)
	}
	return next, nil
}

// Apply installs a replicated record verbatim, used when a peer broadcast
// or snapshot carries an authoritative version.
func (r *Registry) Apply(rec proto.BlueprintRecord) *Blueprint {
	bp := FromRecord(rec)
	r.mu.Lock()
	_, existed := r.m[bp.ID]
	r.m[bp.ID] = bp
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		sub(bp, !existed)
	}
	return bp
}

// Remove deletes a blueprint, used to roll back a rejected upload.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

// Len reports the catalog size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Serialize snapshots every blueprint for the join snapshot and the
// persistence flush.
func (r *Registry) Serialize() []proto.BlueprintRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.BlueprintRecord, 0, len(r.m))
	for _, bp := range r.m {
		out = append(out, bp.Record())
	}
	return out
}

// Deserialize replaces the catalog from records.
func (r *Registry) Deserialize(records []proto.BlueprintRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = make(map[string]*Blueprint, len(records))
	for _, rec := range records {
		r.m[rec.ID] = FromRecord(rec)
	}
}

// PreloadItems lists the assets of every preload-flagged blueprint.
func (r *Registry) PreloadItems() []proto.BlueprintRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.BlueprintRecord, 0)
	for _, bp := range r.m {
		if bp.Preload {
			out = append(out, bp.Record())
		}
	}
	return out
}
