// Package physics defines the narrow surface the character controller and
// app runtime need from a rigid-body engine. The engine itself is an
// external collaborator; SimpleScene provides a minimal analytic
// implementation used by the headless server and by tests.
package physics

import "github.com/go-gl/mathgl/mgl64"

// Layer is a collision layer bitmask.
type Layer uint32

const (
	LayerEnvironment Layer = 1 << iota
	LayerProp
	LayerTool
	LayerPlayer
)

// MaskGround is the layer set the ground sweep tests against.
const MaskGround = LayerEnvironment | LayerProp | LayerTool

// CombineMode selects how friction and restitution combine on contact.
// The controller uses CombineMin airborne (zero-friction against walls)
// and CombineMax grounded (absorb platform friction).
type CombineMode int

const (
	CombineMin CombineMode = iota
	CombineMax
)

// Gravity is the world gravitational acceleration magnitude.
const Gravity = 9.81

// Hit describes a ray or sweep contact.
type Hit struct {
	Body     Body
	Point    mgl64.Vec3
	Normal   mgl64.Vec3
	Distance float64
}

// Body is a handle to one rigid body.
type Body interface {
	Position() mgl64.Vec3
	Rotation() mgl64.Quat
	SetPose(p mgl64.Vec3, q mgl64.Quat)
	Velocity() mgl64.Vec3
	SetVelocity(v mgl64.Vec3)
	AddForce(f mgl64.Vec3)
	AddForceAt(f, point mgl64.Vec3)
	AddImpulse(i mgl64.Vec3)
	Mass() float64
	Dynamic() bool
	Kinematic() bool
	SetGravityEnabled(on bool)
	SetCombineMode(mode CombineMode)
	Layer() Layer
}

// Scene is the rigid-body world.
type Scene interface {
	Step(dt float64)
	Raycast(origin, dir mgl64.Vec3, maxDist float64, mask Layer) (Hit, bool)
	SweepSphere(radius float64, origin, dir mgl64.Vec3, maxDist float64, mask Layer) (Hit, bool)
	AddCapsule(radius, height float64, pos mgl64.Vec3, kinematic bool, layer Layer) Body
	AddBox(half, pos mgl64.Vec3, dynamic bool, layer Layer) Body
	AddPlane(point, normal mgl64.Vec3, layer Layer) Body
	Remove(b Body)
}
