package events

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestEmitReachesAllListeners(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []int
	bus.On("tick", func(args ...any) { got = append(got, 1) })
	bus.On("tick", func(args ...any) { got = append(got, 2) })

	bus.Emit("tick")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected both listeners in order, got %v", got)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	fired := false
	bus.On("boom", func(args ...any) { panic("script error") })
	bus.On("boom", func(args ...any) { fired = true })

	bus.Emit("boom")
	if !fired {
		t.Fatalf("second listener should fire despite the first panicking")
	}
}

func TestOffDuringDispatchIsSafe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var offSecond func()
	first := 0
	second := 0
	bus.On("x", func(args ...any) {
		first++
		offSecond()
	})
	offSecond = bus.On("x", func(args ...any) { second++ })

	bus.Emit("x")
	if first != 1 || second != 1 {
		t.Fatalf("removal mid-dispatch must not skip the copied list: first=%d second=%d", first, second)
	}

	bus.Emit("x")
	if second != 1 {
		t.Fatalf("removed listener fired again")
	}
	if bus.ListenerCount("x") != 1 {
		t.Fatalf("expected one live listener, got %d", bus.ListenerCount("x"))
	}
}

func TestOffIsIdempotent(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	off := bus.On("y", func(args ...any) {})
	bus.On("y", func(args ...any) {})

	off()
	off()
	if bus.ListenerCount("y") != 1 {
		t.Fatalf("double off removed the wrong listener, count=%d", bus.ListenerCount("y"))
	}
}

func TestEmitPassesArguments(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got any
	bus.On("arg", func(args ...any) {
		if len(args) == 2 {
			got = args[1]
		}
	})
	bus.Emit("arg", "first", 42)
	if got != 42 {
		t.Fatalf("expected second argument 42, got %v", got)
	}
}
