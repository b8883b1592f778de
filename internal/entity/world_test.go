package entity

import (
	"context"
	"sync"
	"testing"
	"time"

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

type sentPacket struct {
	tag     proto.Tag
	payload any
}

// fakeWorld satisfies World for entity tests. Post queues callbacks the
// way the real simulation loop does; settle drains them until the app
// under test finishes building.
type fakeWorld struct {
	server  bool
	localID string

	cache      *assets.Cache
	blueprints *blueprint.Registry
	graph      *scene.Arena
	phys       physics.Scene
	bus        *events.Bus
	sandbox    *script.Sandbox
	store      *Store

	mu     sync.Mutex
	posted []func()

	sent  []sentPacket
	dirty map[string]int

	netPeriod float64
	logger    zerolog.Logger
}

func newFakeWorld(files map[string][]byte) *fakeWorld {
	logger := zerolog.Nop()
	fetcher := assets.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b, ok := files[url]; ok {
			return b, nil
		}
		return nil, eris.Errorf("no such file %s", url)
	})
	return &fakeWorld{
		server:     true,
		localID:    "local-socket",
		cache:      assets.NewCache(logger, fetcher),
		blueprints: blueprint.NewRegistry(),
		graph:      scene.NewArena(),
		phys:       physics.NewSimpleScene(),
		bus:        events.NewBus(logger),
		sandbox:    script.NewSandbox(logger),
		store:      NewStore(),
		dirty:      make(map[string]int),
		netPeriod:  1.0 / 8.0,
		logger:     logger,
	}
}

func (w *fakeWorld) IsServer() bool                   { return w.server }
func (w *fakeWorld) LocalID() string                  { return w.localID }
func (w *fakeWorld) Assets() *assets.Cache            { return w.cache }
func (w *fakeWorld) Blueprints() *blueprint.Registry  { return w.blueprints }
func (w *fakeWorld) Graph() *scene.Arena              { return w.graph }
func (w *fakeWorld) Physics() physics.Scene           { return w.phys }
func (w *fakeWorld) Events() *events.Bus              { return w.bus }
func (w *fakeWorld) Sandbox() *script.Sandbox         { return w.sandbox }
func (w *fakeWorld) Broadcast(tag proto.Tag, p any)   { w.sent = append(w.sent, sentPacket{tag, p}) }
func (w *fakeWorld) SetHot(e Entity, hot bool)        { w.store.SetHot(e, hot) }
func (w *fakeWorld) NetworkPeriod() float64           { return w.netPeriod }
func (w *fakeWorld) MarkDirty(id string)              { w.dirty[id]++ }
func (w *fakeWorld) Logger() zerolog.Logger           { return w.logger }

func (w *fakeWorld) Post(fn func()) {
	w.mu.Lock()
	w.posted = append(w.posted, fn)
	w.mu.Unlock()
}

func (w *fakeWorld) takePost() func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.posted) == 0 {
		return nil
	}
	fn := w.posted[0]
	w.posted = w.posted[1:]
	return fn
}

// drainPosts runs queued callbacks until the queue stays empty.
func (w *fakeWorld) drainPosts() {
	for {
		fn := w.takePost()
		if fn == nil {
			return
		}
		fn()
	}
}

// settle waits for the app's in-flight build to post its completion, then
// applies it. Fails the test on timeout.
func (w *fakeWorld) settle(t *testing.T, a *App) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if fn := w.takePost(); fn != nil {
			fn()
			continue
		}
		if !a.Building() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("app %s build did not settle", a.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func (w *fakeWorld) lastSent(t *testing.T) sentPacket {
	t.Helper()
	if len(w.sent) == 0 {
		t.Fatalf("expected at least one broadcast")
	}
	return w.sent[len(w.sent)-1]
}
