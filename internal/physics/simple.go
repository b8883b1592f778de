package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

type simpleBody struct {
	scene     *SimpleScene
	shape     shapeKind
	radius    float64
	height    float64
	half      mgl64.Vec3
	planeN    mgl64.Vec3
	pos       mgl64.Vec3
	rot       mgl64.Quat
	vel       mgl64.Vec3
	force     mgl64.Vec3
	mass      float64
	dynamic   bool
	kinematic bool
	gravity   bool
	combine   CombineMode
	layer     Layer
	removed   bool
}

type shapeKind int

const (
	shapeCapsule shapeKind = iota
	shapeBox
	shapePlane
)

func (b *simpleBody) Position() mgl64.Vec3 { return b.pos }
func (b *simpleBody) Rotation() mgl64.Quat { return b.rot }

func (b *simpleBody) SetPose(p mgl64.Vec3, q mgl64.Quat) {
	b.pos = p
	b.rot = q
}

func (b *simpleBody) Velocity() mgl64.Vec3     { return b.vel }
func (b *simpleBody) SetVelocity(v mgl64.Vec3) { b.vel = v }

func (b *simpleBody) AddForce(f mgl64.Vec3) { b.force = b.force.Add(f) }

// AddForceAt ignores the torque component; the simple scene has no angular
// integration.
func (b *simpleBody) AddForceAt(f, _ mgl64.Vec3) { b.force = b.force.Add(f) }

func (b *simpleBody) AddImpulse(i mgl64.Vec3) {
	if b.mass > 0 {
		b.vel = b.vel.Add(i.Mul(1 / b.mass))
	}
}

func (b *simpleBody) Mass() float64                   { return b.mass }
func (b *simpleBody) Dynamic() bool                   { return b.dynamic }
func (b *simpleBody) Kinematic() bool                 { return b.kinematic }
func (b *simpleBody) SetGravityEnabled(on bool)       { b.gravity = on }
func (b *simpleBody) SetCombineMode(mode CombineMode) { b.combine = mode }
func (b *simpleBody) Layer() Layer                    { return b.layer }

// SimpleScene is an analytic rigid-body world: infinite planes, boxes, and
// capsules with linear integration. It exists so the headless server and
// the controller tests run without an external physics engine.
type SimpleScene struct {
	bodies []*simpleBody
}

// NewSimpleScene returns an empty scene.
func NewSimpleScene() *SimpleScene {
	return &SimpleScene{}
}

// AddCapsule registers a capsule body. Height is the segment length
// between the hemisphere centers.
func (s *SimpleScene) AddCapsule(radius, height float64, pos mgl64.Vec3, kinematic bool, layer Layer) Body {
	b := &simpleBody{
		scene:     s,
		shape:     shapeCapsule,
		radius:    radius,
		height:    height,
		pos:       pos,
		rot:       mgl64.QuatIdent(),
		mass:      1,
		dynamic:   !kinematic,
		kinematic: kinematic,
		gravity:   !kinematic,
		layer:     layer,
	}
	s.bodies = append(s.bodies, b)
	return b
}

// AddBox registers an axis-aligned box body.
func (s *SimpleScene) AddBox(half, pos mgl64.Vec3, dynamic bool, layer Layer) Body {
	b := &simpleBody{
		scene:   s,
		shape:   shapeBox,
		half:    half,
		pos:     pos,
		rot:     mgl64.QuatIdent(),
		mass:    10,
		dynamic: dynamic,
		gravity: false,
		layer:   layer,
	}
	s.bodies = append(s.bodies, b)
	return b
}

// AddPlane registers an infinite static plane through point with the given
// outward normal.
func (s *SimpleScene) AddPlane(point, normal mgl64.Vec3, layer Layer) Body {
	b := &simpleBody{
		scene:  s,
		shape:  shapePlane,
		pos:    point,
		rot:    mgl64.QuatIdent(),
		planeN: normal.Normalize(),
		mass:   0,
		layer:  layer,
	}
	s.bodies = append(s.bodies, b)
	return b
}

// Remove drops the body from the scene.
func (s *SimpleScene) Remove(body Body) {
	for i, b := range s.bodies {
		if b == body {
			b.removed = true
			s.bodies = append(s.bodies[:i], s.bodies[i+1:]...)
			return
		}
	}
}

// Step integrates dynamic bodies: velocity from accumulated force and
// gravity, then position from velocity. Forces clear each step.
func (s *SimpleScene) Step(dt float64) {
	for _, b := range s.bodies {
		if !b.dynamic || b.mass <= 0 {
			b.force = mgl64.Vec3{}
			continue
		}
		accel := b.force.Mul(1 / b.mass)
		if b.gravity {
			accel = accel.Add(mgl64.Vec3{0, -Gravity, 0})
		}
		b.vel = b.vel.Add(accel.Mul(dt))
		b.pos = b.pos.Add(b.vel.Mul(dt))
		b.force = mgl64.Vec3{}
	}
}

// Raycast finds the nearest hit along the ray.
func (s *SimpleScene) Raycast(origin, dir mgl64.Vec3, maxDist float64, mask Layer) (Hit, bool) {
	return s.cast(0, origin, dir, maxDist, mask, nil)
}

// SweepSphere casts a sphere of the given radius along the ray. The hit
// distance is the center travel before first contact.
func (s *SimpleScene) SweepSphere(radius float64, origin, dir mgl64.Vec3, maxDist float64, mask Layer) (Hit, bool) {
	return s.cast(radius, origin, dir, maxDist, mask, nil)
}

func (s *SimpleScene) cast(radius float64, origin, dir mgl64.Vec3, maxDist float64, mask Layer, skip Body) (Hit, bool) {
	dir = dir.Normalize()
	best := Hit{Distance: math.Inf(1)}
	found := false
	for _, b := range s.bodies {
		if b == skip || b.layer&mask == 0 {
			continue
		}
		var hit Hit
		var ok bool
		switch b.shape {
		case shapePlane:
			hit, ok = castPlane(b, radius, origin, dir)
		case shapeBox:
			hit, ok = castBox(b, radius, origin, dir)
		default:
			continue
		}
		if ok && hit.Distance <= maxDist && hit.Distance < best.Distance {
			best = hit
			found = true
		}
	}
	return best, found
}

func castPlane(b *simpleBody, radius float64, origin, dir mgl64.Vec3) (Hit, bool) {
	denom := dir.Dot(b.planeN)
	if denom >= -1e-9 {
		return Hit{}, false
	}
	// Offset the plane by the sphere radius along its normal.
	toPlane := b.pos.Add(b.planeN.Mul(radius)).Sub(origin).Dot(b.planeN)
	t := toPlane / denom
	if t < 0 {
		return Hit{}, false
	}
	center := origin.Add(dir.Mul(t))
	return Hit{
		Body:     b,
		Point:    center.Sub(b.planeN.Mul(radius)),
		Normal:   b.planeN,
		Distance: t,
	}, true
}

// castBox handles the top face only, which is what the ground sweep and
// the platform ray need.
func castBox(b *simpleBody, radius float64, origin, dir mgl64.Vec3) (Hit, bool) {
	if dir.Y() >= -1e-9 {
		return Hit{}, false
	}
	top := b.pos.Y() + b.half.Y() + radius
	if origin.Y() < top {
		return Hit{}, false
	}
	t := (origin.Y() - top) / -dir.Y()
	at := origin.Add(dir.Mul(t))
	if math.Abs(at.X()-b.pos.X()) > b.half.X() || math.Abs(at.Z()-b.pos.Z()) > b.half.Z() {
		return Hit{}, false
	}
	return Hit{
		Body:     b,
		Point:    mgl64.Vec3{at.X(), top - radius, at.Z()},
		Normal:   mgl64.Vec3{0, 1, 0},
		Distance: t,
	}, true
}
