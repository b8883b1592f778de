package entity

import "github.com/go-gl/mathgl/mgl64"

func vecSlice(v mgl64.Vec3) []float64 {
	return []float64{v.X(), v.Y(), v.Z()}
}

func sliceVec(s []float64) (mgl64.Vec3, bool) {
	if len(s) != 3 {
		return mgl64.Vec3{}, false
	}
	return mgl64.Vec3{s[0], s[1], s[2]}, true
}

func quatSlice(q mgl64.Quat) []float64 {
	return []float64{q.V.X(), q.V.Y(), q.V.Z(), q.W}
}

func sliceQuat(s []float64) (mgl64.Quat, bool) {
	if len(s) != 4 {
		return mgl64.QuatIdent(), false
	}
	return mgl64.Quat{V: mgl64.Vec3{s[0], s[1], s[2]}, W: s[3]}, true
}

// yawOnly strips a rotation down to its heading component.
func yawOnly(q mgl64.Quat) mgl64.Quat {
	fwd := q.Rotate(mgl64.Vec3{0, 0, -1})
	fwd[1] = 0
	if fwd.Len() < 1e-9 {
		return mgl64.QuatIdent()
	}
	fwd = fwd.Normalize()
	return mgl64.QuatBetweenVectors(mgl64.Vec3{0, 0, -1}, fwd)
}
