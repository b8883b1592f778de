package entity

import "github.com/go-gl/mathgl/mgl64"

// Interpolators smooth the networkRate pose stream on remote replicas.
// Push latches a new target from the current value; Snap re-latches both
// ends, which is how teleports skip the blend.

// Vec3Interp eases a vector toward its latest target over one network
// period.
type Vec3Interp struct {
	start    mgl64.Vec3
	target   mgl64.Vec3
	elapsed  float64
	duration float64
}

// NewVec3Interp returns an interpolator latched at the initial value.
func NewVec3Interp(initial mgl64.Vec3, duration float64) *Vec3Interp {
	return &Vec3Interp{start: initial, target: initial, elapsed: duration, duration: duration}
}

// Push begins easing from the current value toward the new target.
func (i *Vec3Interp) Push(target mgl64.Vec3) {
	i.start = i.Current()
	i.target = target
	i.elapsed = 0
}

// Snap jumps both ends to the value.
func (i *Vec3Interp) Snap(v mgl64.Vec3) {
	i.start = v
	i.target = v
	i.elapsed = i.duration
}

// Advance progresses the ease by dt.
func (i *Vec3Interp) Advance(dt float64) {
	if i.elapsed < i.duration {
		i.elapsed += dt
	}
}

// Current returns the eased value.
func (i *Vec3Interp) Current() mgl64.Vec3 {
	t := i.fraction()
	return i.start.Add(i.target.Sub(i.start).Mul(t))
}

func (i *Vec3Interp) fraction() float64 {
	if i.duration <= 0 || i.elapsed >= i.duration {
		return 1
	}
	return i.elapsed / i.duration
}

// QuatInterp is the spherical counterpart for orientations.
type QuatInterp struct {
	start    mgl64.Quat
	target   mgl64.Quat
	elapsed  float64
	duration float64
}

// NewQuatInterp returns an interpolator latched at the initial value.
func NewQuatInterp(initial mgl64.Quat, duration float64) *QuatInterp {
	return &QuatInterp{start: initial, target: initial, elapsed: duration, duration: duration}
}

// Push begins slerping from the current value toward the new target.
func (i *QuatInterp) Push(target mgl64.Quat) {
	i.start = i.Current()
	i.target = target
	i.elapsed = 0
}

// Snap jumps both ends to the value.
func (i *QuatInterp) Snap(q mgl64.Quat) {
	i.start = q
	i.target = q
	i.elapsed = i.duration
}

// Advance progresses the slerp by dt.
func (i *QuatInterp) Advance(dt float64) {
	if i.elapsed < i.duration {
		i.elapsed += dt
	}
}

// Current returns the slerped value.
func (i *QuatInterp) Current() mgl64.Quat {
	t := 1.0
	if i.duration > 0 && i.elapsed < i.duration {
		t = i.elapsed / i.duration
	}
	return mgl64.QuatSlerp(i.start, i.target, t)
}
