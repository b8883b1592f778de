package entity

import (
	"github.com/go-gl/mathgl/mgl64"

	"driftworld/server/internal/physics"
	"driftworld/server/internal/proto"
)

// PlayerRemote mirrors a player owned by another socket. It eases pose
// packets over one network period; on the server it also drives a
// kinematic capsule so scripts and props can collide with every player.
type PlayerRemote struct {
	Base
	world World
	user  proto.UserRecord

	posInterp *Vec3Interp
	rotInterp *QuatInterp
	emote     string

	body physics.Body
}

// NewPlayerRemote builds the replica from a snapshot record.
func NewPlayerRemote(w World, rec proto.EntityRecord) *PlayerRemote {
	p := &PlayerRemote{
		Base:  newBase(rec.ID, KindPlayer, rec.Owner),
		world: w,
		emote: rec.Emote,
	}
	if p.emote == "" {
		p.emote = EmoteIdle
	}
	if rec.User != nil {
		p.user = *rec.User
	}
	pos := mgl64.Vec3{0, capsuleHeight, 0}
	if v, ok := sliceVec(rec.Position); ok {
		pos = v
	}
	rot := mgl64.QuatIdent()
	if q, ok := sliceQuat(rec.Quaternion); ok {
		rot = q
	}
	p.posInterp = NewVec3Interp(pos, w.NetworkPeriod())
	p.rotInterp = NewQuatInterp(rot, w.NetworkPeriod())
	if w.IsServer() {
		p.body = w.Physics().AddCapsule(capsuleRadius, capsuleHeight, pos, true, physics.LayerPlayer)
	}
	w.SetHot(p, true)
	return p
}

// User returns the identity record.
func (p *PlayerRemote) User() proto.UserRecord { return p.user }

// Position returns the eased pose.
func (p *PlayerRemote) Position() mgl64.Vec3 { return p.posInterp.Current() }

// Rotation returns the eased orientation.
func (p *PlayerRemote) Rotation() mgl64.Quat { return p.rotInterp.Current() }

// Emote returns the replicated animation token.
func (p *PlayerRemote) Emote() string { return p.emote }

// FixedUpdate keeps the server-side collider glued to the eased pose.
func (p *PlayerRemote) FixedUpdate(dt float64) {
	if p.body != nil {
		p.body.SetPose(p.posInterp.Current(), p.rotInterp.Current())
	}
}

// Update advances the pose interpolators.
func (p *PlayerRemote) Update(dt float64) {
	p.posInterp.Advance(dt)
	p.rotInterp.Advance(dt)
}

// LateUpdate is unused by remote players.
func (p *PlayerRemote) LateUpdate(dt float64) {}

// PostLateUpdate is unused by remote players.
func (p *PlayerRemote) PostLateUpdate(dt float64) {}

// OnEvent is a no-op; players do not run scripts.
func (p *PlayerRemote) OnEvent(version int, name string, data any, origin string) {}

// Modify applies a pose or identity patch. A teleport flag snaps the
// interpolators instead of easing across the world.
func (p *PlayerRemote) Modify(patch proto.EntityModified) {
	if v, ok := sliceVec(patch.P); ok {
		if patch.T {
			p.posInterp.Snap(v)
		} else {
			p.posInterp.Push(v)
		}
	}
	if q, ok := sliceQuat(patch.Q); ok {
		if patch.T {
			p.rotInterp.Snap(q)
		} else {
			p.rotInterp.Push(q)
		}
	}
	if patch.E != "" {
		p.emote = patch.E
	}
	if patch.User != nil {
		p.user = *patch.User
		p.world.MarkDirty(p.ID())
	}
	p.bump()
}

// Serialize snapshots the replica at its eased pose.
func (p *PlayerRemote) Serialize() proto.EntityRecord {
	return proto.EntityRecord{
		ID:         p.ID(),
		Kind:       string(KindPlayer),
		Owner:      p.Owner(),
		Position:   vecSlice(p.posInterp.Current()),
		Quaternion: quatSlice(p.rotInterp.Current()),
		User:       &p.user,
		Emote:      p.emote,
	}
}

// Destroy releases the server-side collider.
func (p *PlayerRemote) Destroy() {
	if p.body != nil {
		p.world.Physics().Remove(p.body)
		p.body = nil
	}
}
