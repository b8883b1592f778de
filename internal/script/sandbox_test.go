package script

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func exec(t *testing.T, src string, world, app, fetch any) *Instance {
	t.Helper()
	s := NewSandbox(zerolog.Nop())
	prog, err := s.Compile("test.js", src)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	inst, err := s.Exec(context.Background(), prog, SharedKey{BlueprintID: "bp", Version: 1}, world, app, fetch)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	t.Cleanup(inst.Close)
	return inst
}

func TestHandlersAreExtracted(t *testing.T) {
	inst := exec(t, `
		var ticks = 0;
		return {
			start: function() {},
			fixedUpdate: function(dt) { ticks += dt; },
			update: function(dt) {},
			destroy: function() {},
		};
	`, nil, nil, nil)

	h := inst.Handlers()
	if h.Start == nil || h.FixedUpdate == nil || h.Update == nil || h.Destroy == nil {
		t.Fatalf("handlers missing: %+v", h)
	}
	if h.LateUpdate != nil {
		t.Fatalf("lateUpdate should be absent")
	}
	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.FixedUpdate(0.02); err != nil {
		t.Fatalf("fixedUpdate failed: %v", err)
	}
}

func TestThrowIsReturnedNotPanicked(t *testing.T) {
	inst := exec(t, `
		return {
			start: function() { throw new Error("kaboom"); },
		};
	`, nil, nil, nil)

	if err := inst.Handlers().Start(); err == nil {
		t.Fatalf("expected the throw to surface as an error")
	}
}

func TestTopLevelThrowFailsExec(t *testing.T) {
	s := NewSandbox(zerolog.Nop())
	prog, err := s.Compile("bad.js", `throw new Error("at eval time");`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if _, err := s.Exec(context.Background(), prog, SharedKey{}, nil, nil, nil); err == nil {
		t.Fatalf("expected exec failure")
	}
}

func TestNoHostAccess(t *testing.T) {
	inst := exec(t, `
		return {
			start: function() {
				if (typeof process !== "undefined") throw new Error("process leaked");
				if (typeof require !== "undefined") throw new Error("require leaked");
				if (typeof globalThis.fetch !== "undefined") throw new Error("global fetch leaked");
			},
		};
	`, nil, nil, nil)
	if err := inst.Handlers().Start(); err != nil {
		t.Fatalf("host capability leaked: %v", err)
	}
}

func TestSharedRecordSurvivesReexecution(t *testing.T) {
	s := NewSandbox(zerolog.Nop())
	src := `
		shared.count = (shared.count || 0) + 1;
		return { start: function() {} };
	`
	prog, err := s.Compile("counter.js", src)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	key := SharedKey{BlueprintID: "bp-1", Version: 3}
	for i := 0; i < 2; i++ {
		inst, err := s.Exec(context.Background(), prog, key, nil, nil, nil)
		if err != nil {
			t.Fatalf("exec %d failed: %v", i, err)
		}
		inst.Close()
	}
	if got := s.shared[key]["count"]; got != int64(2) && got != float64(2) {
		t.Fatalf("shared record should accumulate across rebuilds, got %v", got)
	}

	// A different version starts fresh.
	other := SharedKey{BlueprintID: "bp-1", Version: 4}
	inst, err := s.Exec(context.Background(), prog, other, nil, nil, nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	inst.Close()
	if got := s.shared[other]["count"]; got != int64(1) && got != float64(1) {
		t.Fatalf("new version must not inherit shared state, got %v", got)
	}

	// Retiring everything below the current version drops only the old
	// record.
	s.DropSharedBelow("bp-1", 4)
	if _, ok := s.shared[key]; ok {
		t.Fatalf("retired version kept its shared record")
	}
	if _, ok := s.shared[other]; !ok {
		t.Fatalf("current version must keep its shared record")
	}
}

func TestProxiesAreCallable(t *testing.T) {
	called := false
	appProxy := map[string]any{
		"emit": func(name string) { called = true },
	}
	inst := exec(t, `
		return { start: function() { app.emit("spawn"); } };
	`, nil, appProxy, nil)
	if err := inst.Handlers().Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !called {
		t.Fatalf("app proxy not invoked")
	}
}

func TestAbortInterruptsRunawayScript(t *testing.T) {
	s := NewSandbox(zerolog.Nop())
	prog, err := s.Compile("spin.js", `
		return { start: function() { for (;;) {} } };
	`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst, err := s.Exec(ctx, prog, SharedKey{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	defer inst.Close()

	done := make(chan error, 1)
	go func() { done <- inst.Handlers().Start() }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("interrupted handler should return an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runaway script was not interrupted")
	}
}

func TestMathHelpers(t *testing.T) {
	inst := exec(t, `
		return {
			start: function() {
				var v = vlerp(vec3(0,0,0), vec3(10,0,0), 0.5);
				if (Math.abs(v.x - 5) > 1e-9) throw new Error("vlerp broken: " + v.x);
				if (Math.abs(clamp(42, 0.1, 10) - 10) > 1e-9) throw new Error("clamp broken");
				if (Math.abs(num("3.5", 0) - 3.5) > 1e-9) throw new Error("num broken");
				if (Math.abs(lerp(0, 90, 0.5) - 45) > 1e-9) throw new Error("lerp broken");
				var q = euler(0, 0, 0);
				if (Math.abs(q.w - 1) > 1e-9) throw new Error("euler identity broken");
				var id = uuid();
				if (typeof id !== "string" || id.length < 32) throw new Error("uuid broken");
				if (Math.abs(DEG2RAD * 180 - Math.PI) > 1e-9) throw new Error("DEG2RAD broken");
			},
		};
	`, nil, nil, nil)
	if err := inst.Handlers().Start(); err != nil {
		t.Fatalf("math helpers failed: %v", err)
	}
}
