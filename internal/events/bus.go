// Package events provides the local named event bus shared by the world
// and app scripts. Listener failures are isolated: one panicking callback
// never prevents the remaining callbacks from firing.
package events

import (
	"github.com/rs/zerolog"
)

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

type listener struct {
	id uint64
	fn Handler
}

// Bus is a named event emitter. It is owned by the simulation goroutine
// and is not safe for concurrent use.
type Bus struct {
	logger    zerolog.Logger
	listeners map[string][]listener
	nextID    uint64
}

// NewBus returns an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:    logger.With().Str("component", "events").Logger(),
		listeners: make(map[string][]listener),
	}
}

// On subscribes the handler to the named event and returns a function that
// removes the subscription. Calling the returned function twice is safe.
func (b *Bus) On(name string, fn Handler) func() {
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listener{id: id, fn: fn})

	removed := false
	return func() {
		if removed {
			return
		}
		removed = true
		b.off(name, id)
	}
}

func (b *Bus) off(name string, id uint64) {
	list := b.listeners[name]
	for i, l := range list {
		if l.id == id {
			b.listeners[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit fires the named event. The listener list is copied before dispatch
// so handlers may subscribe or unsubscribe mid-emit without destabilizing
// the iteration. A panicking handler is logged and skipped.
func (b *Bus) Emit(name string, args ...any) {
	list := b.listeners[name]
	if len(list) == 0 {
		return
	}
	snapshot := make([]listener, len(list))
	copy(snapshot, list)

	for _, l := range snapshot {
		b.dispatch(name, l, args)
	}
}

func (b *Bus) dispatch(name string, l listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", name).Interface("panic", r).Msg("event listener failed")
		}
	}()
	l.fn(args...)
}

// ListenerCount reports the number of live subscriptions for an event.
func (b *Bus) ListenerCount(name string) int {
	return len(b.listeners[name])
}
