package world

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/config"
	"driftworld/server/internal/entity"
	"driftworld/server/internal/proto"
)

type fakeConn struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return eris.New("conn closed")
	}
	c.packets = append(c.packets, bytes.Clone(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// byTag decodes every captured packet with the tag into out slots.
func (c *fakeConn) byTag(t *testing.T, tag proto.Tag) [][]byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, data := range c.packets {
		got, body, err := proto.Decode(data)
		if err != nil {
			t.Fatalf("captured packet undecodable: %v", err)
		}
		if got == tag {
			out = append(out, body)
		}
	}
	return out
}

func newTestWorld(t *testing.T, files map[string][]byte) *World {
	t.Helper()
	cfg := config.Default()
	cfg.AdminCode = "sesame"
	cfg.MaxUploadMB = 1
	fetcher := assets.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if b, ok := files[url]; ok {
			return b, nil
		}
		return nil, eris.Errorf("no such file %s", url)
	})
	return New(Options{Config: cfg, Logger: zerolog.Nop(), Fetcher: fetcher})
}

// join connects a fake socket and settles admission.
func join(t *testing.T, w *World, token string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess := w.Connect(conn, token)
	w.drainQueues()
	if _, ok := w.sessions[sess.id]; !ok {
		t.Fatalf("session was not admitted")
	}
	return sess, conn
}

// inject queues an inbound packet the way the read loop would.
func inject(t *testing.T, w *World, sess *Session, tag proto.Tag, payload any) {
	t.Helper()
	data, err := proto.Encode(tag, payload)
	if err != nil {
		t.Fatalf("encode inject: %v", err)
	}
	w.enqueue(inbound{sess: sess, tag: tag, body: data[1:]})
	w.drainQueues()
}

// settleApp drains queues until the app's async build completes.
func settleApp(t *testing.T, w *World, a *entity.App) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for a.Building() {
		w.drainQueues()
		if time.Now().After(deadline) {
			t.Fatalf("app %s build did not settle", a.ID())
		}
		time.Sleep(time.Millisecond)
	}
	w.drainQueues()
}

func TestSnapshotOnJoin(t *testing.T) {
	w := newTestWorld(t, nil)

	_, connA := join(t, w, "")
	sessB, connB := join(t, w, "")

	snaps := connB.byTag(t, proto.TagSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("expected exactly one snapshot for B, got %d", len(snaps))
	}
	var snap proto.Snapshot
	if err := proto.DecodePayload(snaps[0], &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ID != sessB.id {
		t.Fatalf("snapshot id %q, want session id %q", snap.ID, sessB.id)
	}
	if snap.AuthToken == "" {
		t.Fatalf("expected a refreshed auth token")
	}
	players := 0
	for _, rec := range snap.Entities {
		if rec.Kind == string(entity.KindPlayer) {
			players++
		}
	}
	if players != 2 {
		t.Fatalf("expected 2 players in B's snapshot, got %d", players)
	}

	// A learns about B through entityAdded, and only about B.
	added := connA.byTag(t, proto.TagEntityAdded)
	if len(added) != 1 {
		t.Fatalf("expected 1 entityAdded for A, got %d", len(added))
	}
	var ea proto.EntityAdded
	if err := proto.DecodePayload(added[0], &ea); err != nil {
		t.Fatalf("decode entityAdded: %v", err)
	}
	if ea.Entity.ID != sessB.playerID {
		t.Fatalf("entityAdded names %q, want B's player %q", ea.Entity.ID, sessB.playerID)
	}
	if len(w.store.Players()) != 2 {
		t.Fatalf("expected 2 live players, got %d", len(w.store.Players()))
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	w := newTestWorld(t, nil)

	sessA, connA := join(t, w, "")
	snapBody := connA.byTag(t, proto.TagSnapshot)[0]
	var snap proto.Snapshot
	if err := proto.DecodePayload(snapBody, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	// Simulate A leaving and rejoining with the issued token.
	w.drop(sessA)
	sessA2, _ := join(t, w, snap.AuthToken)
	if sessA2.user.ID != sessA.user.ID {
		t.Fatalf("token rejoin minted a new identity: %q vs %q", sessA2.user.ID, sessA.user.ID)
	}

	// An unknown token mints a new user.
	sessC, _ := join(t, w, "bogus")
	if sessC.user.ID == sessA.user.ID {
		t.Fatalf("bogus token must not resolve to an existing user")
	}
}

func TestChatFanOutSkipsOrigin(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, connA := join(t, w, "")
	_, connB := join(t, w, "")

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{
		ID: "m1", Body: "hello world", Timestamp: time.Now().UnixMilli(),
	})

	if got := len(connB.byTag(t, proto.TagChatAdded)); got != 1 {
		t.Fatalf("expected B to receive 1 chat message, got %d", got)
	}
	if got := len(connA.byTag(t, proto.TagChatAdded)); got != 0 {
		t.Fatalf("expected origin to receive no echo, got %d", got)
	}
	if w.chatLog.Len() != 1 {
		t.Fatalf("expected chat log length 1, got %d", w.chatLog.Len())
	}
}

func TestUnknownCommandWhispersPrivately(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, connA := join(t, w, "")
	_, connB := join(t, w, "")

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m1", Body: "/frobnicate now"})

	if w.chatLog.Len() != 0 {
		t.Fatalf("commands must not enter the chat log")
	}
	whispers := connA.byTag(t, proto.TagChatAdded)
	if len(whispers) != 1 {
		t.Fatalf("expected 1 private system message, got %d", len(whispers))
	}
	var rec proto.ChatRecord
	if err := proto.DecodePayload(whispers[0], &rec); err != nil {
		t.Fatalf("decode whisper: %v", err)
	}
	if rec.Author != "server" || !strings.Contains(rec.Body, "frobnicate") {
		t.Fatalf("unexpected whisper: %+v", rec)
	}
	if got := len(connB.byTag(t, proto.TagChatAdded)); got != 0 {
		t.Fatalf("whisper leaked to another session: %d", got)
	}
}

func TestAdminGrantAndSpawnCommands(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m1", Body: "/spawn set"})
	if w.spawn != nil {
		t.Fatalf("spawn must require a role")
	}

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m2", Body: "/admin wrong"})
	if sessA.user.HasRole(RoleAdmin) {
		t.Fatalf("wrong code must not grant admin")
	}

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m3", Body: "/admin sesame"})
	if !sessA.user.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role after correct code")
	}

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m4", Body: "/spawn set"})
	if w.spawn == nil {
		t.Fatalf("expected spawn override after /spawn set")
	}
	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m5", Body: "/spawn clear"})
	if w.spawn != nil {
		t.Fatalf("expected spawn cleared")
	}
}

func TestNameChangeReplicates(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")
	_, connB := join(t, w, "")

	inject(t, w, sessA, proto.TagChatAdded, proto.ChatRecord{ID: "m1", Body: "/name ada"})
	if sessA.user.Name != "ada" {
		t.Fatalf("expected renamed user, got %q", sessA.user.Name)
	}

	mods := connB.byTag(t, proto.TagEntityModified)
	found := false
	for _, body := range mods {
		var patch proto.EntityModified
		if err := proto.DecodePayload(body, &patch); err != nil {
			continue
		}
		if patch.ID == sessA.playerID && patch.User != nil && patch.User.Name == "ada" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rename was not replicated to peers")
	}
}

const pingScript = `return {}`

func appFiles() map[string][]byte {
	return map[string][]byte{
		"asset://box.glb":  []byte("glb-bytes"),
		"asset://quiet.js": []byte(pingScript),
	}
}

func spawnTestApp(t *testing.T, w *World, sess *Session, id string) *entity.App {
	t.Helper()
	inject(t, w, sess, proto.TagBlueprintAdded, proto.BlueprintRecord{
		ID: "crate", Version: 1, Model: "asset://box.glb", Script: "asset://quiet.js",
	})
	inject(t, w, sess, proto.TagEntityAdded, proto.EntityAdded{Entity: proto.EntityRecord{
		ID:        id,
		Kind:      string(entity.KindApp),
		Blueprint: "crate",
		Position:  []float64{1, 0, 1},
	}})
	app, ok := w.store.Get(id).(*entity.App)
	if !ok {
		t.Fatalf("app %s was not created", id)
	}
	settleApp(t, w, app)
	return app
}

func TestDisconnectClearsMoverAndRebuilds(t *testing.T) {
	w := newTestWorld(t, appFiles())
	sessA, _ := join(t, w, "")
	_, connB := join(t, w, "")

	app := spawnTestApp(t, w, sessA, "app-1")

	mover := sessA.id
	mode := "move"
	inject(t, w, sessA, proto.TagEntityModified, proto.EntityModified{
		ID: "app-1", Mover: &mover, TransformMode: &mode,
	})
	settleApp(t, w, app)
	if app.Mover() != sessA.id {
		t.Fatalf("expected A to hold the mover tag")
	}

	w.drop(sessA)
	settleApp(t, w, app)

	if app.Mover() != "" {
		t.Fatalf("mover must clear when its session drops, got %q", app.Mover())
	}
	if app.Mode() != entity.ModeActive {
		t.Fatalf("expected app back to active, got %s", app.Mode())
	}

	cleared := false
	for _, body := range connB.byTag(t, proto.TagEntityModified) {
		var patch proto.EntityModified
		if err := proto.DecodePayload(body, &patch); err != nil {
			continue
		}
		if patch.ID == "app-1" && patch.Mover != nil && *patch.Mover == "" {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("peers never saw the cleared mover")
	}
}

func TestEntityEventFanOut(t *testing.T) {
	w := newTestWorld(t, appFiles())
	sessA, _ := join(t, w, "")
	_, connB := join(t, w, "")

	spawnTestApp(t, w, sessA, "app-1")

	inject(t, w, sessA, proto.TagEntityEvent, proto.EntityEvent{
		EntityID: "app-1", Version: 1, Name: "poke", Data: map[string]any{"x": 1},
	})

	events := connB.byTag(t, proto.TagEntityEvent)
	if len(events) != 1 {
		t.Fatalf("expected event fan-out to B, got %d", len(events))
	}
	var ev proto.EntityEvent
	if err := proto.DecodePayload(events[0], &ev); err != nil {
		t.Fatalf("decode entityEvent: %v", err)
	}
	if ev.EntityID != "app-1" || ev.Version != 1 || ev.Name != "poke" {
		t.Fatalf("event mangled in transit: %+v", ev)
	}
}

func TestForeignPlayerPatchRejected(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")
	sessB, connB := join(t, w, "")

	before := len(connB.byTag(t, proto.TagEntityModified))
	inject(t, w, sessA, proto.TagEntityModified, proto.EntityModified{
		ID: sessB.playerID, P: []float64{99, 0, 99},
	})
	if got := len(connB.byTag(t, proto.TagEntityModified)); got != before {
		t.Fatalf("foreign player patch must not replicate")
	}
}

func TestTeleportSnapsReplicaPoseAndYaw(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")
	_, connB := join(t, w, "")

	yaw := math.Pi / 2
	inject(t, w, sessA, proto.TagPlayerTeleport, proto.PlayerTeleport{
		ID: sessA.playerID, Position: []float64{5, 1, -3}, Yaw: &yaw,
	})

	player, ok := w.store.Get(sessA.playerID).(*entity.PlayerRemote)
	if !ok {
		t.Fatalf("player replica missing")
	}
	pos := player.Position()
	if pos.X() != 5 || pos.Y() != 1 || pos.Z() != -3 {
		t.Fatalf("teleport did not snap position: %v", pos)
	}
	want := mgl64.QuatRotate(yaw, mgl64.Vec3{0, 1, 0})
	got := player.Rotation()
	if math.Abs(got.W-want.W) > 1e-9 || got.V.Sub(want.V).Len() > 1e-9 {
		t.Fatalf("teleport did not apply yaw: got %v want %v", got, want)
	}

	tps := connB.byTag(t, proto.TagPlayerTeleport)
	if len(tps) != 1 {
		t.Fatalf("expected teleport re-broadcast to B, got %d", len(tps))
	}
	var tp proto.PlayerTeleport
	if err := proto.DecodePayload(tps[0], &tp); err != nil {
		t.Fatalf("decode teleport: %v", err)
	}
	if tp.Yaw == nil || *tp.Yaw != yaw {
		t.Fatalf("yaw dropped from re-broadcast: %+v", tp)
	}
}

func TestUnresponsiveSessionDropped(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, connA := join(t, w, "")
	_, connB := join(t, w, "")

	now := time.Now()
	for i := 0; i < maxMissedPings+1; i++ {
		w.pingSessions(now)
	}
	if _, ok := w.sessions[sessA.id]; ok {
		t.Fatalf("expected unresponsive session dropped")
	}
	if !connA.isClosed() {
		t.Fatalf("expected socket closed")
	}

	removed := connB.byTag(t, proto.TagEntityRemoved)
	if len(removed) == 0 {
		t.Fatalf("peers never saw the dropped player removed")
	}
}

func TestPongResetsMissedPings(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")

	w.pingSessions(time.Now())
	w.pingSessions(time.Now())
	if sessA.missedPings != 2 {
		t.Fatalf("expected 2 missed pings, got %d", sessA.missedPings)
	}
	inject(t, w, sessA, proto.TagPong, proto.Pong{Time: time.Now().UnixMilli()})
	if sessA.missedPings != 0 {
		t.Fatalf("pong must reset the missed counter, got %d", sessA.missedPings)
	}
}

func TestOversizeUploadRejected(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, connA := join(t, w, "")

	big := make([]byte, 2<<20) // 2 MB against a 1 MB cap
	url := HashURL(big, "glb")
	err := w.AcceptUpload(sessA.id, url, big)
	if !eris.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected size rejection, got %v", err)
	}
	w.drainQueues()

	if w.blueprints.Len() != 0 {
		t.Fatalf("rejected upload must not register a blueprint")
	}
	if w.cache.Has(assets.TypeModel, url) {
		t.Fatalf("rejected upload must not enter the cache")
	}
	if _, ok := w.sessions[sessA.id]; !ok {
		t.Fatalf("socket must remain open after rejection")
	}
	notices := connA.byTag(t, proto.TagChatAdded)
	if len(notices) != 1 {
		t.Fatalf("expected 1 system notice, got %d", len(notices))
	}
	var rec proto.ChatRecord
	if err := proto.DecodePayload(notices[0], &rec); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if rec.Author != "server" || !strings.Contains(rec.Body, "limit") {
		t.Fatalf("unexpected notice: %+v", rec)
	}
}

func TestUploadAcceptedAndContentAddressed(t *testing.T) {
	w := newTestWorld(t, nil)
	sessA, _ := join(t, w, "")

	data := []byte("tiny model")
	url := HashURL(data, "glb")
	if err := w.AcceptUpload(sessA.id, url, data); err != nil {
		t.Fatalf("expected accepted upload, got %v", err)
	}
	if !w.cache.Has(assets.TypeModel, url) {
		t.Fatalf("uploaded asset missing from cache")
	}

	// Tampered bytes under the same name are rejected.
	if err := w.AcceptUpload(sessA.id, url, []byte("different")); !eris.Is(err, ErrUploadHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}
