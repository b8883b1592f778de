package entity

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
)

// Emote tokens selected by the controller state machine.
const (
	EmoteIdle  = "IDLE"
	EmoteWalk  = "WALK"
	EmoteRun   = "RUN"
	EmoteFloat = "FLOAT"
)

// Controller tuning. These mirror the feel of the reference controller:
// the dead-band suppresses walk/fall animation chatter on bumpy ground
// and the sweep shrink keeps the ground sphere from snagging walls.
const (
	capsuleRadius   = 0.4
	capsuleHeight   = 1.0
	capsuleMass     = 1.0
	sweepShrink     = 0.01
	groundSweepDist = 0.22
	platformRayDist = 2.0
	maxGroundAngle  = 60.0
	fallDeadband    = 0.1
	snapDownSpeed   = -5.0
	slipBias        = -0.5
	dragCoefficient = 10.0
	jumpHeight      = 1.5
	walkSpeed       = 4.0
	runSpeed        = 8.0
	moveForceScale  = 10.0
	platformReact   = physics.Gravity * 0.2

	zoomMin  = 2.0
	zoomMax  = 100.0
	pitchMax = math.Pi / 2
	lookSens = 0.002
)

// Input is one frame of control state, assembled by the client's input
// layer (keyboard/mouse or touch sticks) or by tests.
type Input struct {
	MoveX    float64
	MoveZ    float64
	Running  bool
	StickLen float64
	Jump     bool
	LookDX   float64
	LookDY   float64
	ZoomDiff float64
}

// Controls supplies per-frame input.
type Controls interface {
	Sample() Input
}

// ControlsFunc adapts a function to Controls.
type ControlsFunc func() Input

// Sample calls f.
func (f ControlsFunc) Sample() Input { return f() }

// Camera is the local player's view state.
type Camera struct {
	Pitch    float64
	Yaw      float64
	Zoom     float64
	Position mgl64.Vec3
}

type platformTrack struct {
	body    physics.Body
	prevPos mgl64.Vec3
	prevRot mgl64.Quat
}

// PlayerLocal is the self-owned avatar: a dynamic capsule, the camera,
// and the jump/fall state machine. It runs only on the process that owns
// the player; everyone else sees a PlayerRemote.
type PlayerLocal struct {
	Base
	world    World
	user     proto.UserRecord
	body     physics.Body
	controls Controls

	grounded     bool
	wasGrounded  bool
	groundNormal mgl64.Vec3
	groundAngle  float64
	slipping     bool
	jumped       bool
	jumping      bool
	falling      bool
	fallTimer    float64
	pendingJump  bool

	platform platformTrack

	moveDir mgl64.Vec3
	moving  bool
	running bool
	baseRot mgl64.Quat
	emote   string

	camera       Camera
	netTimer     float64
	teleports    uint64
	teleportSend bool
}

// NewPlayerLocal spawns the capsule at the record's position and registers
// the controls source.
func NewPlayerLocal(w World, rec proto.EntityRecord, controls Controls) *PlayerLocal {
	pos := mgl64.Vec3{0, capsuleHeight, 0}
	if p, ok := sliceVec(rec.Position); ok {
		pos = p
	}
	p := &PlayerLocal{
		Base:         newBase(rec.ID, KindPlayer, rec.Owner),
		world:        w,
		controls:     controls,
		groundNormal: mgl64.Vec3{0, 1, 0},
		baseRot:      mgl64.QuatIdent(),
		emote:        EmoteIdle,
		camera:       Camera{Zoom: 8},
	}
	if rec.User != nil {
		p.user = *rec.User
	}
	if q, ok := sliceQuat(rec.Quaternion); ok {
		p.baseRot = q
	}
	p.body = w.Physics().AddCapsule(capsuleRadius, capsuleHeight, pos, false, physics.LayerPlayer)
	// Gravity is applied manually so the grounded policy can disable it.
	p.body.SetGravityEnabled(false)
	return p
}

// User returns the identity record.
func (p *PlayerLocal) User() proto.UserRecord { return p.user }

// SetUser replaces the identity record (name change, avatar swap).
func (p *PlayerLocal) SetUser(u proto.UserRecord) {
	p.user = u
	p.bump()
	p.world.MarkDirty(p.ID())
}

// Position returns the capsule center.
func (p *PlayerLocal) Position() mgl64.Vec3 { return p.body.Position() }

// Rotation returns the avatar base orientation.
func (p *PlayerLocal) Rotation() mgl64.Quat { return p.baseRot }

// CameraState returns the current camera.
func (p *PlayerLocal) CameraState() Camera { return p.camera }

// Grounded reports the last ground sweep result.
func (p *PlayerLocal) Grounded() bool { return p.grounded }

// Slipping reports steep-slope sliding.
func (p *PlayerLocal) Slipping() bool { return p.slipping }

// Jumping reports the jump FSM state.
func (p *PlayerLocal) Jumping() bool { return p.jumping }

// Falling reports the fall FSM state.
func (p *PlayerLocal) Falling() bool { return p.falling }

// Emote returns the current animation token.
func (p *PlayerLocal) Emote() string { return p.emote }

// footOrigin is just above the capsule base, the anchor for ground
// queries.
func (p *PlayerLocal) footOrigin() mgl64.Vec3 {
	pos := p.body.Position()
	return mgl64.Vec3{pos.X(), pos.Y() - capsuleHeight/2, pos.Z()}
}

// FixedUpdate is the 50 Hz physics step.
func (p *PlayerLocal) FixedUpdate(dt float64) {
	down := mgl64.Vec3{0, -1, 0}
	scene := p.world.Physics()

	// 1. Platform tracking: ride whatever rigid body is underfoot.
	if p.grounded {
		if hit, ok := scene.Raycast(p.footOrigin(), down, platformRayDist, physics.MaskGround); ok &&
			hit.Body != nil && (hit.Body.Dynamic() || hit.Body.Kinematic()) {
			p.trackPlatform(hit.Body)
		} else {
			p.platform = platformTrack{}
		}
	} else {
		p.platform = platformTrack{}
	}

	// 2. Ground sweep.
	p.wasGrounded = p.grounded
	hit, ok := scene.SweepSphere(capsuleRadius-sweepShrink, p.footOrigin(), down, groundSweepDist, physics.MaskGround)
	if ok {
		p.grounded = true
		p.groundNormal = hit.Normal
		p.groundAngle = mgl64.RadToDeg(math.Acos(mgl64.Clamp(hit.Normal.Dot(mgl64.Vec3{0, 1, 0}), -1, 1)))
		if p.groundAngle > maxGroundAngle {
			p.grounded = false
			p.slipping = true
		} else {
			p.slipping = false
		}
	} else {
		p.grounded = false
		p.slipping = false
		p.groundNormal = mgl64.Vec3{0, 1, 0}
		p.groundAngle = 0
	}

	// 3. Material swap: no wall friction airborne, platform friction
	// grounded.
	if p.grounded {
		p.body.SetCombineMode(physics.CombineMax)
	} else {
		p.body.SetCombineMode(physics.CombineMin)
	}

	// 4. Jump/fall state machine.
	p.stepJumpFSM(dt)

	// 5. Gravity policy.
	if p.grounded {
		if p.platform.body != nil && p.platform.body.Dynamic() {
			p.platform.body.AddForceAt(
				mgl64.Vec3{0, -platformReact * capsuleMass, 0}, p.body.Position())
		}
	} else {
		p.body.AddForce(mgl64.Vec3{0, -physics.Gravity * capsuleMass, 0})
	}

	// 6. Velocity shaping.
	p.shapeVelocity(dt)

	// 7. Move force.
	if p.moving {
		speed := walkSpeed
		if p.running {
			speed = runSpeed
		}
		moveSpeed := speed * capsuleMass
		slope := mgl64.QuatBetweenVectors(mgl64.Vec3{0, 1, 0}, p.groundNormal)
		dir := slope.Rotate(p.moveDir)
		p.body.AddForce(dir.Mul(moveForceScale * moveSpeed))
	}
}

func (p *PlayerLocal) trackPlatform(body physics.Body) {
	curPos := body.Position()
	curRot := body.Rotation()
	if p.platform.body == body {
		deltaRot := curRot.Mul(p.platform.prevRot.Inverse())
		rel := p.body.Position().Sub(p.platform.prevPos)
		newPos := curPos.Add(deltaRot.Rotate(rel))
		p.body.SetPose(newPos, p.body.Rotation())
		// Only the heading component transfers to the avatar.
		p.baseRot = yawOnly(deltaRot).Mul(p.baseRot).Normalize()
	}
	p.platform = platformTrack{body: body, prevPos: curPos, prevRot: curRot}
}

func (p *PlayerLocal) stepJumpFSM(dt float64) {
	if p.grounded {
		if p.jumped {
			p.jumping = true
			p.jumped = false
		} else if p.jumping && p.body.Velocity().Y() <= 0.01 {
			// Landed. A rising capsule can still be inside the sweep
			// window, so only descent ends the jump.
			p.jumping = false
		}
		p.falling = false
		p.fallTimer = 0

		if p.pendingJump && !p.jumping && !p.jumped {
			impulse := math.Sqrt(2*physics.Gravity*jumpHeight) / math.Sqrt(capsuleMass)
			p.body.AddImpulse(mgl64.Vec3{0, impulse * capsuleMass, 0})
			p.jumped = true
		}
	} else {
		if p.body.Velocity().Y() < 0 {
			p.fallTimer += dt
			if p.fallTimer > fallDeadband {
				p.falling = true
				p.jumping = false
				p.jumped = false
			}
		} else {
			p.fallTimer = 0
		}
	}
	p.pendingJump = false
}

func (p *PlayerLocal) shapeVelocity(dt float64) {
	v := p.body.Velocity()
	n := p.groundNormal

	normalMag := v.Dot(n)
	perp := n.Mul(normalMag)
	par := v.Sub(perp)

	// Drag on the in-plane component keeps ramps from turning into ice.
	drag := mgl64.Clamp(1-dragCoefficient*dt, 0, 1)
	par = par.Mul(drag)

	if p.grounded && !p.jumping && !p.jumped {
		// Null normal velocity so moving platforms carry the capsule.
		perp = mgl64.Vec3{}
	}

	v = par.Add(perp)

	if p.wasGrounded && !p.grounded && !p.jumped && !p.jumping && !p.slipping {
		// Walked off an edge without jumping: hint the capsule down.
		v[1] = snapDownSpeed
	}
	if p.slipping {
		v[1] += slipBias
	}
	p.body.SetVelocity(v)
}

// Update is the variable-rate phase: camera, input assembly, orientation
// easing, emote selection, and the pose broadcast.
func (p *PlayerLocal) Update(dt float64) {
	in := p.controls.Sample()

	p.camera.Yaw -= in.LookDX * lookSens
	p.camera.Pitch = mgl64.Clamp(p.camera.Pitch-in.LookDY*lookSens, -pitchMax, pitchMax)
	p.camera.Zoom = mgl64.Clamp(p.camera.Zoom+in.ZoomDiff, zoomMin, zoomMax)

	raw := mgl64.Vec3{in.MoveX, 0, in.MoveZ}
	if raw.Len() > 0 {
		yawRot := mgl64.QuatRotate(p.camera.Yaw, mgl64.Vec3{0, 1, 0})
		p.moveDir = yawRot.Rotate(raw.Normalize())
		p.moving = true
	} else {
		p.moveDir = mgl64.Vec3{}
		p.moving = false
	}
	p.running = in.Running || in.StickLen > 0.5
	if in.Jump {
		p.pendingJump = true
	}

	if p.moving {
		target := mgl64.QuatBetweenVectors(mgl64.Vec3{0, 0, -1}, p.moveDir)
		factor := 1 - math.Pow(0.00000001, dt)
		p.baseRot = mgl64.QuatSlerp(p.baseRot, target, factor).Normalize()
	}

	switch {
	case p.jumping || p.falling:
		p.emote = EmoteFloat
	case p.moving && p.running:
		p.emote = EmoteRun
	case p.moving:
		p.emote = EmoteWalk
	default:
		p.emote = EmoteIdle
	}

	p.netTimer += dt
	if p.netTimer >= p.world.NetworkPeriod() {
		p.netTimer = 0
		p.broadcastPose()
	}
}

func (p *PlayerLocal) broadcastPose() {
	patch := proto.EntityModified{
		ID: p.ID(),
		P:  vecSlice(p.body.Position()),
		Q:  quatSlice(p.baseRot),
		E:  p.emote,
	}
	if p.teleportSend {
		patch.T = true
		p.teleportSend = false
	}
	p.world.Broadcast(proto.TagEntityModified, patch)
}

// LateUpdate eases the render camera toward its target, snapping after a
// teleport so the view never swings across the world.
func (p *PlayerLocal) LateUpdate(dt float64) {
	yawRot := mgl64.QuatRotate(p.camera.Yaw, mgl64.Vec3{0, 1, 0})
	pitchRot := mgl64.QuatRotate(p.camera.Pitch, mgl64.Vec3{1, 0, 0})
	offset := yawRot.Mul(pitchRot).Rotate(mgl64.Vec3{0, 0, p.camera.Zoom})
	target := p.body.Position().Add(offset)

	if p.teleportSend || p.camera.Position.Sub(target).Len() > p.camera.Zoom*4 {
		p.camera.Position = target
		return
	}
	factor := 1 - math.Pow(0.001, dt)
	p.camera.Position = p.camera.Position.Add(target.Sub(p.camera.Position).Mul(factor))
}

// PostLateUpdate is unused by the local player.
func (p *PlayerLocal) PostLateUpdate(dt float64) {}

// Teleport sets the capsule pose directly and flags the next pose packet
// so remotes snap their interpolators.
func (p *PlayerLocal) Teleport(pos mgl64.Vec3, yaw *float64) {
	rot := p.body.Rotation()
	if yaw != nil {
		p.camera.Yaw = *yaw
		p.baseRot = mgl64.QuatRotate(*yaw, mgl64.Vec3{0, 1, 0})
	}
	p.body.SetPose(pos, rot)
	p.body.SetVelocity(mgl64.Vec3{})
	p.teleports++
	p.teleportSend = true
	p.bump()

	patch := proto.EntityModified{
		ID: p.ID(),
		P:  vecSlice(pos),
		Q:  quatSlice(p.baseRot),
		E:  p.emote,
		T:  true,
	}
	p.world.Broadcast(proto.TagEntityModified, patch)
}

// Teleports counts force-snap events, exposed for tests and diagnostics.
func (p *PlayerLocal) Teleports() uint64 { return p.teleports }

// OnEvent is a no-op; players do not run scripts.
func (p *PlayerLocal) OnEvent(version int, name string, data any, origin string) {}

// Modify applies replicated identity changes.
func (p *PlayerLocal) Modify(patch proto.EntityModified) {
	if patch.User != nil {
		p.user = *patch.User
	}
	p.bump()
	p.world.MarkDirty(p.ID())
}

// Serialize snapshots the player for the wire and persistence.
func (p *PlayerLocal) Serialize() proto.EntityRecord {
	return proto.EntityRecord{
		ID:         p.ID(),
		Kind:       string(KindPlayer),
		Owner:      p.Owner(),
		Position:   vecSlice(p.body.Position()),
		Quaternion: quatSlice(p.baseRot),
		User:       &p.user,
		Emote:      p.emote,
	}
}

// Destroy releases the capsule.
func (p *PlayerLocal) Destroy() {
	if p.body != nil {
		p.world.Physics().Remove(p.body)
		p.body = nil
	}
}
