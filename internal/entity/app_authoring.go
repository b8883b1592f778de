package entity

import (
	"github.com/go-gl/mathgl/mgl64"

	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
)

// Transform authoring: pointer strokes from the mover drive the app's
// pose until a left-click commits it.

const (
	scaleMin       = 0.1
	scaleMax       = 10.0
	rotatePerPixel = 0.01
	raisePerPixel  = 0.01
	scalePerPixel  = 0.005
)

// Pointer is one frame of authoring input from the local client.
type Pointer struct {
	DX, DY    float64
	ShiftLeft bool
	LeftClick bool
	// RayOrigin/RayDir carry the cursor ray for ground picking.
	RayOrigin mgl64.Vec3
	RayDir    mgl64.Vec3
}

// BeginTransform claims the app for local authoring in the given mode and
// broadcasts the claim.
func (a *App) BeginTransform(mode string) {
	local := a.world.LocalID()
	a.mover = local
	a.transformMode = mode
	a.bump()

	moverCopy := local
	modeCopy := mode
	a.world.Broadcast(proto.TagEntityModified, proto.EntityModified{
		ID:            a.ID(),
		Mover:         &moverCopy,
		TransformMode: &modeCopy,
	})
	a.Rebuild()
}

// HandlePointer applies one authoring stroke. Only meaningful while this
// process is the mover.
func (a *App) HandlePointer(p Pointer) {
	if a.mover != a.world.LocalID() || a.mover == "" {
		return
	}

	if p.LeftClick {
		a.CommitTransform()
		return
	}

	switch a.mode {
	case ModeMoving:
		if p.ShiftLeft {
			// Vertical raise/lower by pointer-Y.
			a.position[1] -= p.DY * raisePerPixel
		} else if hit, ok := a.world.Physics().Raycast(p.RayOrigin, p.RayDir, 1000, physics.LayerEnvironment); ok {
			a.position = hit.Point
		}
	case ModeRotating:
		if p.ShiftLeft {
			pitch := mgl64.QuatRotate(p.DY*rotatePerPixel, mgl64.Vec3{1, 0, 0})
			a.rotation = a.rotation.Mul(pitch).Normalize()
		} else {
			yaw := mgl64.QuatRotate(p.DX*rotatePerPixel, mgl64.Vec3{0, 1, 0})
			a.rotation = yaw.Mul(a.rotation).Normalize()
		}
	case ModeScaling:
		factor := 1 - p.DY*scalePerPixel
		if p.ShiftLeft {
			a.scale = clampScale(a.scale.Mul(factor))
		} else {
			a.scale[1] = mgl64.Clamp(a.scale.Y()*factor, scaleMin, scaleMax)
		}
	default:
		return
	}

	a.authored = true
	a.syncRoot()
}

func clampScale(s mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{
		mgl64.Clamp(s.X(), scaleMin, scaleMax),
		mgl64.Clamp(s.Y(), scaleMin, scaleMax),
		mgl64.Clamp(s.Z(), scaleMin, scaleMax),
	}
}

// broadcastAuthoring streams the in-progress transform at the network
// rate. Scale rides along only while scaling.
func (a *App) broadcastAuthoring() {
	patch := proto.EntityModified{
		ID:         a.ID(),
		Position:   vecSlice(a.position),
		Quaternion: quatSlice(a.rotation),
	}
	if a.mode == ModeScaling {
		patch.Scale = vecSlice(a.scale)
	}
	a.world.Broadcast(proto.TagEntityModified, patch)
}

// CommitTransform ends authoring: clears the mover, broadcasts the final
// transform with cleared script state, persists, and rebuilds into
// ACTIVE.
func (a *App) CommitTransform() {
	cleared := ""
	a.mover = ""
	a.transformMode = TransformNone
	a.bump()

	a.world.Broadcast(proto.TagEntityModified, proto.EntityModified{
		ID:            a.ID(),
		Mover:         &cleared,
		TransformMode: &cleared,
		Position:      vecSlice(a.position),
		Quaternion:    quatSlice(a.rotation),
		Scale:         vecSlice(a.scale),
		State:         map[string]any{},
	})
	a.state = map[string]any{}
	a.world.MarkDirty(a.ID())
	a.authored = false
	a.Rebuild()
}
