// Package script evaluates untrusted app source text inside a goja
// runtime that exposes only an explicit capability surface: a log sink,
// math value helpers, and the three proxies handed in at exec time. A
// fresh runtime per execution means no process, filesystem, network, or
// host reflection access exists unless a proxy provides it.
package script

import (
	"context"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Handlers is the record an app script returns. Every field is optional.
type Handlers struct {
	Start       func() error
	FixedUpdate func(dt float64) error
	Update      func(dt float64) error
	LateUpdate  func(dt float64) error
	Destroy     func() error
}

// SharedKey scopes the mutable record that survives re-execution of the
// same source. Isolation is per (blueprint id, version): a rebuild at the
// same version sees its previous state, a version bump starts fresh.
type SharedKey struct {
	BlueprintID string
	Version     int
}

// Program is compiled source ready for execution.
type Program struct {
	name string
	prog *goja.Program
}

// Instance is one live execution of a program bound to an app.
type Instance struct {
	rt       *goja.Runtime
	handlers Handlers
	stop     func()
}

// Handlers returns the extracted handler record.
func (i *Instance) Handlers() Handlers {
	return i.handlers
}

// Close interrupts any running script code and releases the abort watcher.
// Safe to call more than once.
func (i *Instance) Close() {
	if i.stop != nil {
		i.stop()
		i.stop = nil
	}
}

// Sandbox compiles and executes app scripts.
type Sandbox struct {
	logger zerolog.Logger
	shared map[SharedKey]map[string]any
}

// NewSandbox returns an empty sandbox.
func NewSandbox(logger zerolog.Logger) *Sandbox {
	return &Sandbox{
		logger: logger.With().Str("component", "script").Logger(),
		shared: make(map[SharedKey]map[string]any),
	}
}

// Compile parses the source. The script body runs as a factory
// function(world, app, fetch, shared) whose return value is the handler
// record.
func (s *Sandbox) Compile(name, src string) (*Program, error) {
	wrapped := "(function(world, app, fetch, shared) {\n" + src + "\n})"
	prog, err := goja.Compile(name, wrapped, true)
	if err != nil {
		return nil, eris.Wrapf(err, "compile script %s", name)
	}
	return &Program{name: name, prog: prog}, nil
}

// DropSharedBelow discards the shared records of every retired version of
// a blueprint. Running instances keep the record they captured at exec
// time; only the sandbox index forgets it.
func (s *Sandbox) DropSharedBelow(blueprintID string, version int) {
	for key := range s.shared {
		if key.BlueprintID == blueprintID && key.Version < version {
			delete(s.shared, key)
		}
	}
}

// Exec runs the factory with the given proxies. The context aborts
// long-running script code: when it is cancelled, the runtime is
// interrupted and every handler call fails fast. The caller routes any
// returned error (and handler errors) to the app crash path.
func (s *Sandbox) Exec(ctx context.Context, p *Program, key SharedKey, world, app, fetch any) (*Instance, error) {
	rt := goja.New()
	s.installGlobals(rt, p.name)

	watchCtx, stop := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt("aborted")
		case <-watchCtx.Done():
		}
	}()
	inst := &Instance{rt: rt, stop: stop}

	shared, ok := s.shared[key]
	if !ok {
		shared = make(map[string]any)
		s.shared[key] = shared
	}

	value, err := rt.RunProgram(p.prog)
	if err != nil {
		inst.Close()
		return nil, eris.Wrapf(err, "evaluate script %s", p.name)
	}
	factory, ok := goja.AssertFunction(value)
	if !ok {
		inst.Close()
		return nil, eris.Errorf("script %s did not evaluate to a factory", p.name)
	}

	result, err := factory(goja.Undefined(),
		rt.ToValue(world), rt.ToValue(app), rt.ToValue(fetch), rt.ToValue(shared))
	if err != nil {
		inst.Close()
		return nil, eris.Wrapf(err, "execute script %s", p.name)
	}

	inst.handlers = s.extractHandlers(rt, p.name, result)
	return inst, nil
}

func (s *Sandbox) extractHandlers(rt *goja.Runtime, name string, v goja.Value) Handlers {
	var h Handlers
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return h
	}
	obj := v.ToObject(rt)
	if obj == nil {
		return h
	}

	if fn := assertFn(rt, obj.Get("start")); fn != nil {
		h.Start = func() error { return callVoid(fn) }
	}
	if fn := assertFn(rt, obj.Get("destroy")); fn != nil {
		h.Destroy = func() error { return callVoid(fn) }
	}
	if fn := assertFn(rt, obj.Get("fixedUpdate")); fn != nil {
		h.FixedUpdate = func(dt float64) error { return callDt(rt, fn, dt) }
	}
	if fn := assertFn(rt, obj.Get("update")); fn != nil {
		h.Update = func(dt float64) error { return callDt(rt, fn, dt) }
	}
	if fn := assertFn(rt, obj.Get("lateUpdate")); fn != nil {
		h.LateUpdate = func(dt float64) error { return callDt(rt, fn, dt) }
	}
	return h
}

func assertFn(rt *goja.Runtime, v goja.Value) goja.Callable {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

func callVoid(fn goja.Callable) error {
	if _, err := fn(goja.Undefined()); err != nil {
		return eris.Wrap(err, "script handler threw")
	}
	return nil
}

func callDt(rt *goja.Runtime, fn goja.Callable, dt float64) error {
	if _, err := fn(goja.Undefined(), rt.ToValue(dt)); err != nil {
		return eris.Wrap(err, "script handler threw")
	}
	return nil
}

func (s *Sandbox) installGlobals(rt *goja.Runtime, name string) {
	logger := s.logger.With().Str("script", name).Logger()
	start := time.Now()

	console := rt.NewObject()
	console.Set("log", func(args ...any) {
		logger.Info().Interface("args", args).Msg("script log")
	})
	console.Set("error", func(args ...any) {
		logger.Error().Interface("args", args).Msg("script error")
	})
	console.Set("time", func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000.0
	})
	rt.Set("console", console)

	installMath(rt)
	rt.Set("uuid", func() string { return uuid.NewString() })
}
