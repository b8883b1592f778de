package entity

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/blueprint"
	"driftworld/server/internal/events"
	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
	"driftworld/server/internal/scene"
	"driftworld/server/internal/script"
)

// Mode is the app lifecycle state.
type Mode int

const (
	ModeActive Mode = iota
	ModeMoving
	ModeRotating
	ModeScaling
	ModeLoading
	ModeCrashed
)

var modeNames = map[Mode]string{
	ModeActive:   "active",
	ModeMoving:   "moving",
	ModeRotating: "rotating",
	ModeScaling:  "scaling",
	ModeLoading:  "loading",
	ModeCrashed:  "crashed",
}

// String returns the mode name.
func (m Mode) String() string { return modeNames[m] }

// Transform mode tokens carried on the wire.
const (
	TransformNone   = ""
	TransformMove   = "move"
	TransformRotate = "rotate"
	TransformScale  = "scale"
)

type deferredEvent struct {
	version int
	name    string
	data    any
	origin  string
}

// App is a scripted interactive object defined by a blueprint. Its build
// lifecycle is asynchronous: fetches run on worker goroutines and the
// result is applied on the simulation goroutine, guarded by a build
// generation so a superseded build never touches state.
type App struct {
	Base
	world  World
	logger zerolog.Logger

	blueprintID   string
	mover         string
	uploader      string
	transformMode string

	position mgl64.Vec3
	rotation mgl64.Quat
	scale    mgl64.Vec3

	// state is script-owned and replicated verbatim on rebuild
	// boundaries only.
	state map[string]any

	mode     Mode
	root     scene.NodeID
	body     physics.Body
	instance *script.Instance
	handlers script.Handlers
	appBus   *events.Bus

	building     bool
	gen          uint64
	crashed      bool
	builtVersion int
	cancel       context.CancelFunc
	buildCtx     context.Context

	deferred []deferredEvent

	posInterp *Vec3Interp
	rotInterp *QuatInterp

	netTimer float64
	authored bool
}

// NewApp constructs an app from its replicated record. Call Rebuild to
// start the first build.
func NewApp(w World, rec proto.EntityRecord) *App {
	a := &App{
		Base:          newBase(rec.ID, KindApp, rec.Owner),
		world:         w,
		logger:        w.Logger(),
		blueprintID:   rec.Blueprint,
		mover:         rec.Mover,
		uploader:      rec.Uploader,
		transformMode: rec.TransformMode,
		rotation:      mgl64.QuatIdent(),
		scale:         mgl64.Vec3{1, 1, 1},
		state:         rec.State,
		appBus:        events.NewBus(w.Logger()),
	}
	if a.state == nil {
		a.state = make(map[string]any)
	}
	if p, ok := sliceVec(rec.Position); ok {
		a.position = p
	}
	if q, ok := sliceQuat(rec.Quaternion); ok {
		a.rotation = q
	}
	if s, ok := sliceVec(rec.Scale); ok {
		a.scale = s
	}
	return a
}

// BlueprintID returns the template id this app builds from.
func (a *App) BlueprintID() string { return a.blueprintID }

// Mode returns the lifecycle state.
func (a *App) Mode() Mode { return a.mode }

// Mover returns the socket currently authoring the transform, or "".
func (a *App) Mover() string { return a.mover }

// Uploader returns the socket still uploading the model bytes, or "".
func (a *App) Uploader() string { return a.uploader }

// Building reports whether a build is in flight.
func (a *App) Building() bool { return a.building }

// Root returns the scene subtree root, or scene.None before first build.
func (a *App) Root() scene.NodeID { return a.root }

// State returns the script-owned record.
func (a *App) State() map[string]any { return a.state }

// ClearSessionTags drops mover/uploader references to a departed socket
// and reports whether a rebuild is needed.
func (a *App) ClearSessionTags(socketID string) bool {
	changed := false
	if a.mover == socketID {
		a.mover = ""
		changed = true
	}
	if a.uploader == socketID {
		a.uploader = ""
		changed = true
	}
	return changed
}

// Rebuild starts a new build generation, superseding any in-flight build.
func (a *App) Rebuild() {
	a.gen++
	gen := a.gen
	a.building = true

	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.buildCtx = ctx
	a.cancel = cancel

	bp, err := a.world.Blueprints().Get(a.blueprintID)
	if err != nil {
		a.logger.Warn().Str("app", a.ID()).Str("blueprint", a.blueprintID).Msg("blueprint missing, app crashed")
		a.finishBuild(gen, nil, buildResult{crashed: true})
		return
	}

	crashedBuild := a.crashed
	go func() {
		res := a.fetchAssets(ctx, bp, crashedBuild)
		a.world.Post(func() {
			a.finishBuild(gen, bp, res)
		})
	}()
}

type buildResult struct {
	crashed     bool
	placeholder bool
	program     *script.Program
	modelValue  any
}

// fetchAssets runs off the simulation goroutine. Every await point is an
// abort checkpoint: a cancelled context fails the loads and the stale
// generation check in finishBuild discards the result.
func (a *App) fetchAssets(ctx context.Context, bp *blueprint.Blueprint, crashedBuild bool) buildResult {
	res := buildResult{crashed: crashedBuild}
	cache := a.world.Assets()

	if bp.Script != "" && !res.crashed {
		asset, err := cache.Load(ctx, assets.TypeScript, bp.Script)
		if err != nil {
			res.crashed = true
		} else if prog, ok := asset.Value.(*script.Program); ok {
			res.program = prog
		} else {
			sandbox := a.world.Sandbox()
			prog, err := sandbox.Compile(bp.Script, string(asset.Bytes))
			if err != nil {
				res.crashed = true
			} else {
				res.program = prog
			}
		}
	}

	if a.uploader != "" && a.uploader != a.world.LocalID() {
		res.placeholder = true
		return res
	}

	if bp.Model != "" && !res.crashed {
		typ := assets.TypeModel
		if _, ext, err := assets.ParseURL(bp.Model); err == nil && ext == "vrm" {
			typ = assets.TypeAvatar
		}
		asset, err := cache.Load(ctx, typ, bp.Model)
		if err != nil {
			res.crashed = true
		} else {
			res.modelValue = asset.Value
		}
	}
	return res
}

// finishBuild applies a completed build on the simulation goroutine.
func (a *App) finishBuild(gen uint64, bp *blueprint.Blueprint, res buildResult) {
	// A newer build superseded this one; do not touch state.
	if gen != a.gen {
		return
	}

	a.unbuild()

	graph := a.world.Graph()
	switch {
	case res.placeholder:
		a.root = graph.New("placeholder-cube")
	case res.crashed || bp == nil:
		a.root = graph.New("crash-block")
	default:
		name := "app"
		if bp.Model != "" {
			name = bp.Model
		}
		a.root = graph.New(name)
		graph.SetPayload(a.root, res.modelValue)
	}
	graph.Attach(a.root, graph.Root())
	graph.SetLocal(a.root, scene.Transform{Position: a.position, Rotation: a.rotation, Scale: a.scale})

	moving := a.mover == a.world.LocalID() && a.mover != ""
	switch {
	case res.crashed || bp == nil:
		a.mode = ModeCrashed
		a.crashed = true
	case moving:
		switch a.transformMode {
		case TransformRotate:
			a.mode = ModeRotating
		case TransformScale:
			a.mode = ModeScaling
		default:
			a.mode = ModeMoving
		}
	case res.placeholder:
		a.mode = ModeLoading
	default:
		a.mode = ModeActive
	}

	// The crash block and the placeholder cube stay visible; only the
	// real model participates in physics and scripting.
	graph.SetActive(a.root, true)

	if a.mode == ModeActive {
		half := mgl64.Vec3{a.scale.X() / 2, a.scale.Y() / 2, a.scale.Z() / 2}
		a.body = a.world.Physics().AddBox(half, a.position, false, physics.LayerProp)
	}

	if bp != nil {
		a.builtVersion = bp.Version
	}

	if a.mode != ModeCrashed {
		a.crashed = false
	}
	if a.mode == ModeActive && res.program != nil {
		// May re-set crashed via Crash; the posted rebuild handles it.
		a.execScript(bp, res.program)
	}

	period := a.world.NetworkPeriod()
	a.posInterp = NewVec3Interp(a.position, period)
	a.rotInterp = NewQuatInterp(a.rotation, period)

	a.building = false

	if a.handlers.FixedUpdate != nil || a.handlers.Update != nil ||
		a.handlers.LateUpdate != nil || a.mover != "" {
		a.world.SetHot(a, true)
	}

	a.drainDeferred()
}

func (a *App) execScript(bp *blueprint.Blueprint, prog *script.Program) {
	key := script.SharedKey{BlueprintID: bp.ID, Version: bp.Version}
	inst, err := a.world.Sandbox().Exec(a.buildCtx, prog, key,
		a.worldProxy(), a.appProxy(), a.fetchProxy())
	if err != nil {
		a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script exec failed")
		a.Crash()
		return
	}
	a.instance = inst
	a.handlers = inst.Handlers()

	if a.handlers.Start != nil {
		if err := a.handlers.Start(); err != nil {
			a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script start threw")
			a.Crash()
		}
	}
}

// Crash marks the app crashed and schedules a rebuild into the crash-block
// model. Peers observe the rebuild through the usual modified broadcast.
func (a *App) Crash() {
	if a.crashed && a.mode == ModeCrashed {
		return
	}
	a.crashed = true
	a.world.Post(func() {
		if !a.crashed {
			return
		}
		a.Rebuild()
	})
}

// unbuild tears down the previous version: deactivate and free the scene
// subtree, release the physics body, stop the script, drop listeners, and
// clear the hot flag. Deferred events survive.
func (a *App) unbuild() {
	if a.instance != nil {
		if a.handlers.Destroy != nil {
			if err := a.handlers.Destroy(); err != nil {
				a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script destroy threw")
			}
		}
		a.instance.Close()
		a.instance = nil
	}
	a.handlers = script.Handlers{}
	a.appBus = events.NewBus(a.world.Logger())

	if a.body != nil {
		a.world.Physics().Remove(a.body)
		a.body = nil
	}
	if a.root != scene.None {
		graph := a.world.Graph()
		graph.SetActive(a.root, false)
		graph.Remove(a.root)
		a.root = scene.None
	}
	a.world.SetHot(a, false)
}

// OnEvent receives a replicated scripted event. Events are queued while a
// build is in flight and replayed in arrival order once it completes;
// version gating keeps stale events from crossing a rebuild boundary.
func (a *App) OnEvent(version int, name string, data any, origin string) {
	if a.building || version > a.builtVersion {
		a.deferred = append(a.deferred, deferredEvent{version: version, name: name, data: data, origin: origin})
		return
	}
	if version < a.builtVersion {
		return
	}
	a.fire(name, data, origin)
}

func (a *App) fire(name string, data any, origin string) {
	a.appBus.Emit(name, data, origin)
}

func (a *App) drainDeferred() {
	for len(a.deferred) > 0 {
		ev := a.deferred[0]
		if ev.version > a.builtVersion {
			// Belongs to a future rebuild; keep the rest pending.
			return
		}
		a.deferred = a.deferred[1:]
		if ev.version < a.builtVersion {
			continue
		}
		a.fire(ev.name, ev.data, ev.origin)
	}
}

// PendingEvents reports the deferred queue length.
func (a *App) PendingEvents() int {
	return len(a.deferred)
}

// Modify applies a replicated partial record.
func (a *App) Modify(patch proto.EntityModified) {
	a.bump()
	rebuild := false

	if patch.Blueprint != nil && *patch.Blueprint != a.blueprintID {
		a.blueprintID = *patch.Blueprint
		a.crashed = false
		rebuild = true
	}
	if patch.Mover != nil && *patch.Mover != a.mover {
		a.mover = *patch.Mover
		rebuild = true
	}
	if patch.Uploader != nil && *patch.Uploader != a.uploader {
		a.uploader = *patch.Uploader
		rebuild = true
	}
	if patch.TransformMode != nil {
		a.transformMode = *patch.TransformMode
	}
	if patch.State != nil {
		a.state = patch.State
	}

	movedByOther := a.mover != "" && a.mover != a.world.LocalID()
	if p, ok := sliceVec(patch.Position); ok {
		if movedByOther && a.posInterp != nil && !rebuild {
			a.posInterp.Push(p)
		} else {
			a.position = p
			if a.posInterp != nil {
				a.posInterp.Snap(p)
			}
		}
	}
	if q, ok := sliceQuat(patch.Quaternion); ok {
		if movedByOther && a.rotInterp != nil && !rebuild {
			a.rotInterp.Push(q)
		} else {
			a.rotation = q
			if a.rotInterp != nil {
				a.rotInterp.Snap(q)
			}
		}
	}
	if s, ok := sliceVec(patch.Scale); ok {
		a.scale = s
	}

	a.world.MarkDirty(a.ID())
	if rebuild {
		a.Rebuild()
	} else if !movedByOther {
		a.syncRoot()
	}
}

func (a *App) syncRoot() {
	if a.root == scene.None {
		return
	}
	a.world.Graph().SetLocal(a.root, scene.Transform{
		Position: a.position,
		Rotation: a.rotation,
		Scale:    a.scale,
	})
	if a.body != nil {
		a.body.SetPose(a.position, a.rotation)
	}
}

// FixedUpdate runs the script's fixed handler; a throw crashes the app.
func (a *App) FixedUpdate(dt float64) {
	if a.handlers.FixedUpdate != nil {
		if err := a.handlers.FixedUpdate(dt); err != nil {
			a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script fixedUpdate threw")
			a.Crash()
		}
	}
}

// Update advances authoring or remote interpolation, then the script.
func (a *App) Update(dt float64) {
	local := a.world.LocalID()
	switch {
	case a.mover == local && a.mover != "":
		a.netTimer += dt
		if a.netTimer >= a.world.NetworkPeriod() {
			a.netTimer = 0
			a.broadcastAuthoring()
		}
	case a.mover != "":
		if a.posInterp != nil {
			a.posInterp.Advance(dt)
			a.position = a.posInterp.Current()
		}
		if a.rotInterp != nil {
			a.rotInterp.Advance(dt)
			a.rotation = a.rotInterp.Current()
		}
		a.syncRoot()
	}

	if a.handlers.Update != nil {
		if err := a.handlers.Update(dt); err != nil {
			a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script update threw")
			a.Crash()
		}
	}
}

// LateUpdate runs the script's late handler.
func (a *App) LateUpdate(dt float64) {
	if a.handlers.LateUpdate != nil {
		if err := a.handlers.LateUpdate(dt); err != nil {
			a.logger.Warn().Str("app", a.ID()).Err(err).Msg("script lateUpdate threw")
			a.Crash()
		}
	}
}

// PostLateUpdate is unused by apps.
func (a *App) PostLateUpdate(dt float64) {}

// Serialize snapshots the app for the wire and persistence.
func (a *App) Serialize() proto.EntityRecord {
	return proto.EntityRecord{
		ID:            a.ID(),
		Kind:          string(KindApp),
		Owner:         a.Owner(),
		Blueprint:     a.blueprintID,
		Mover:         a.mover,
		Uploader:      a.uploader,
		TransformMode: a.transformMode,
		Position:      vecSlice(a.position),
		Quaternion:    quatSlice(a.rotation),
		Scale:         vecSlice(a.scale),
		State:         a.state,
	}
}

// Destroy aborts any in-flight build and releases every resource.
func (a *App) Destroy() {
	a.gen++ // strand any in-flight build
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.unbuild()
	a.deferred = nil
}
