// Package world wires the simulation together: the entity store, the
// tick engine, the replication sessions, chat, and persistence. One
// goroutine owns all mutable world state; sockets and asset workers hand
// work in through locked queues drained between frames.
package world

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/blueprint"
	"driftworld/server/internal/chat"
	"driftworld/server/internal/config"
	"driftworld/server/internal/entity"
	"driftworld/server/internal/events"
	"driftworld/server/internal/persist"
	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
	"driftworld/server/internal/scene"
	"driftworld/server/internal/script"
)

// inbound is one decoded-envelope packet waiting for the next frame.
type inbound struct {
	sess *Session
	tag  proto.Tag
	body []byte
}

// World is the authoritative server simulation.
type World struct {
	cfg    config.Config
	logger zerolog.Logger

	store      *entity.Store
	blueprints *blueprint.Registry
	cache      *assets.Cache
	graph      *scene.Arena
	phys       physics.Scene
	bus        *events.Bus
	sandbox    *script.Sandbox
	chatLog    *chat.Log
	journal    *persist.Journal
	saver      persist.Store

	sessions map[string]*Session
	users    map[string]proto.UserRecord
	tokens   map[string]string
	spawn    *persist.SpawnRecord

	mu     sync.Mutex
	intake []inbound
	posted []func()

	startTime time.Time
	tick      uint64
	flushing  bool
}

// Options carries the collaborators cmd wiring provides.
type Options struct {
	Config  config.Config
	Logger  zerolog.Logger
	Fetcher assets.Fetcher
	Physics physics.Scene
	Saver   persist.Store
}

// New assembles a world. Saver may be nil for an ephemeral world.
func New(opts Options) *World {
	logger := opts.Logger.With().Str("component", "world").Str("world", opts.Config.World).Logger()
	phys := opts.Physics
	if phys == nil {
		phys = physics.NewSimpleScene()
	}
	w := &World{
		cfg:        opts.Config,
		logger:     logger,
		store:      entity.NewStore(),
		blueprints: blueprint.NewRegistry(),
		cache:      assets.NewCache(opts.Logger, opts.Fetcher),
		graph:      scene.NewArena(),
		phys:       phys,
		bus:        events.NewBus(opts.Logger),
		sandbox:    script.NewSandbox(opts.Logger),
		chatLog:    chat.NewLog(),
		journal:    persist.NewJournal(),
		saver:      opts.Saver,
		sessions:   make(map[string]*Session),
		users:      make(map[string]proto.UserRecord),
		tokens:     make(map[string]string),
		startTime:  time.Now(),
	}
	// A version bump retires every older shared script record; builds
	// always execute the registry's current version.
	w.blueprints.Subscribe(func(bp *blueprint.Blueprint, added bool) {
		if !added {
			rec := bp.Record()
			w.sandbox.DropSharedBelow(rec.ID, rec.Version)
		}
	})
	return w
}

// IsServer reports that this runtime is the authority.
func (w *World) IsServer() bool { return true }

// LocalID is empty on the server; mover and uploader tags always name a
// client socket.
func (w *World) LocalID() string { return "" }

// Assets returns the asset cache.
func (w *World) Assets() *assets.Cache { return w.cache }

// Blueprints returns the blueprint registry.
func (w *World) Blueprints() *blueprint.Registry { return w.blueprints }

// Graph returns the scene graph.
func (w *World) Graph() *scene.Arena { return w.graph }

// Physics returns the rigid-body scene.
func (w *World) Physics() physics.Scene { return w.phys }

// Events returns the world event bus.
func (w *World) Events() *events.Bus { return w.bus }

// Sandbox returns the script sandbox.
func (w *World) Sandbox() *script.Sandbox { return w.sandbox }

// Chat returns the chat log.
func (w *World) Chat() *chat.Log { return w.chatLog }

// Broadcast sends a server-originated packet to every session.
func (w *World) Broadcast(tag proto.Tag, payload any) {
	w.broadcastExcept("", tag, payload)
}

func (w *World) broadcastExcept(originID string, tag proto.Tag, payload any) {
	data, err := proto.Encode(tag, payload)
	if err != nil {
		w.logger.Error().Str("tag", tag.String()).Err(err).Msg("encode broadcast failed")
		return
	}
	for id, sess := range w.sessions {
		if id == originID {
			continue
		}
		if err := sess.sendRaw(data); err != nil {
			w.logger.Warn().Str("session", id).Err(err).Msg("broadcast send failed")
		}
	}
}

// Post schedules fn on the simulation goroutine between frames. Safe to
// call from any goroutine.
func (w *World) Post(fn func()) {
	w.mu.Lock()
	w.posted = append(w.posted, fn)
	w.mu.Unlock()
}

// SetHot toggles per-frame updates for the entity.
func (w *World) SetHot(e entity.Entity, hot bool) { w.store.SetHot(e, hot) }

// NetworkPeriod returns the pose stream period in seconds.
func (w *World) NetworkPeriod() float64 { return w.cfg.NetworkPeriod() }

// MarkDirty journals an entity for the next persistence flush.
func (w *World) MarkDirty(entityID string) { w.journal.MarkEntity(entityID) }

// Logger returns the world logger.
func (w *World) Logger() zerolog.Logger { return w.logger }

// enqueue hands a decoded packet envelope to the next frame. Called from
// session read goroutines.
func (w *World) enqueue(in inbound) {
	w.mu.Lock()
	w.intake = append(w.intake, in)
	w.mu.Unlock()
}

// Load rehydrates persisted state. Called once before Run.
func (w *World) Load(rec *persist.WorldRecord) {
	if rec == nil {
		return
	}
	w.blueprints.Deserialize(rec.Blueprints)
	for _, u := range rec.Users {
		w.users[u.ID] = u
	}
	w.chatLog.Restore(rec.Chat)
	w.spawn = rec.Spawn

	for _, er := range rec.Entities {
		if er.Kind != string(entity.KindApp) {
			// Player entities are transient; they rejoin with sockets.
			continue
		}
		app := entity.NewApp(w, er)
		if err := w.store.Add(app, false); err != nil {
			w.logger.Warn().Str("entity", er.ID).Err(err).Msg("skipping persisted entity")
			continue
		}
		app.Rebuild()
	}
	w.logger.Info().
		Int("entities", w.store.Len()).
		Int("blueprints", w.blueprints.Len()).
		Int("chat", w.chatLog.Len()).
		Msg("world loaded")
}

// Preload resolves every preload-flagged blueprint's assets in the
// background so first use is a cache hit.
func (w *World) Preload() {
	items := make([]assets.PreloadItem, 0)
	for _, rec := range w.blueprints.PreloadItems() {
		if rec.Model != "" {
			typ := assets.TypeModel
			if _, ext, err := assets.ParseURL(rec.Model); err == nil && ext == "vrm" {
				typ = assets.TypeAvatar
			}
			items = append(items, assets.PreloadItem{Type: typ, URL: rec.Model})
		}
		if rec.Script != "" {
			items = append(items, assets.PreloadItem{Type: assets.TypeScript, URL: rec.Script})
		}
	}
	if len(items) == 0 {
		return
	}
	go func() {
		if err := w.cache.Preload(context.Background(), items); err != nil {
			w.logger.Warn().Err(err).Msg("preload failed")
		}
	}()
}

// SpawnPoint returns the current spawn pose for new players.
func (w *World) SpawnPoint() ([]float64, float64) {
	if w.spawn != nil {
		return w.spawn.Position, w.spawn.Yaw
	}
	return []float64{0, 1, 0}, 0
}

// authenticate resolves a token to its user, minting a fresh identity for
// unknown tokens. A new single-use token is issued either way.
func (w *World) authenticate(token string) (proto.UserRecord, string) {
	var user proto.UserRecord
	if id, ok := w.tokens[token]; ok && id != "" {
		user = w.users[id]
		delete(w.tokens, token)
	} else {
		id := uuid.NewString()
		user = proto.UserRecord{
			ID:   id,
			Name: "wanderer-" + strings.Split(id, "-")[0],
		}
		w.users[id] = user
		w.journal.MarkUser(id)
	}
	fresh := uuid.NewString()
	w.tokens[fresh] = user.ID
	return user, fresh
}

// updateUser journals an identity change.
func (w *World) updateUser(u proto.UserRecord) {
	w.users[u.ID] = u
	w.journal.MarkUser(u.ID)
}

// Stats is the /status payload.
type Stats struct {
	World     string       `json:"world"`
	UptimeSec int64        `json:"uptimeSec"`
	Tick      uint64       `json:"tick"`
	TickRate  int          `json:"tickRate"`
	Entities  int          `json:"entities"`
	Players   int          `json:"players"`
	Sessions  int          `json:"sessions"`
	Assets    assets.Stats `json:"assets"`
}

func (w *World) stats() Stats {
	return Stats{
		World:     w.cfg.World,
		UptimeSec: int64(time.Since(w.startTime).Seconds()),
		Tick:      w.tick,
		TickRate:  w.cfg.TickRate,
		Entities:  w.store.Len(),
		Players:   len(w.store.Players()),
		Sessions:  len(w.sessions),
		Assets:    w.cache.Snapshot(),
	}
}

// StatsAsync fetches stats through the frame queue so HTTP handlers never
// touch world state directly.
func (w *World) StatsAsync(timeout time.Duration) (Stats, bool) {
	ch := make(chan Stats, 1)
	w.Post(func() { ch <- w.stats() })
	select {
	case s := <-ch:
		return s, true
	case <-time.After(timeout):
		return Stats{}, false
	}
}
