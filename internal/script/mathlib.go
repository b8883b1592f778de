package script

import (
	"math"
	"strconv"

	"github.com/dop251/goja"
	"github.com/go-gl/mathgl/mgl64"
)

// Math helpers exposed to app scripts. Vectors and quaternions cross the
// boundary as plain objects ({x,y,z} / {x,y,z,w}); matrices as flat
// 16-element column-major arrays.

func installMath(rt *goja.Runtime) {
	rt.Set("DEG2RAD", math.Pi/180)
	rt.Set("RAD2DEG", 180/math.Pi)

	rt.Set("vec3", func(x, y, z float64) map[string]any {
		return map[string]any{"x": x, "y": y, "z": z}
	})
	rt.Set("quat", func(x, y, z, w float64) map[string]any {
		return map[string]any{"x": x, "y": y, "z": z, "w": w}
	})
	rt.Set("euler", func(x, y, z float64) map[string]any {
		q := mgl64.AnglesToQuat(x, y, z, mgl64.XYZ)
		return quatToMap(q)
	})
	rt.Set("mat4", func() []float64 {
		out := make([]float64, 16)
		out[0], out[5], out[10], out[15] = 1, 1, 1, 1
		return out
	})
	rt.Set("mat4Compose", func(pos, rot map[string]any, scale map[string]any) []float64 {
		t := mgl64.Translate3D(f(pos, "x"), f(pos, "y"), f(pos, "z"))
		r := mapToQuat(rot).Mat4()
		sc := mgl64.Scale3D(f(scale, "x"), f(scale, "y"), f(scale, "z"))
		m := t.Mul4(r).Mul4(sc)
		out := make([]float64, 16)
		for i := 0; i < 16; i++ {
			out[i] = m[i]
		}
		return out
	})

	rt.Set("lerp", func(a, b, t float64) float64 {
		return a + (b-a)*t
	})
	rt.Set("vlerp", func(a, b map[string]any, t float64) map[string]any {
		return map[string]any{
			"x": f(a, "x") + (f(b, "x")-f(a, "x"))*t,
			"y": f(a, "y") + (f(b, "y")-f(a, "y"))*t,
			"z": f(a, "z") + (f(b, "z")-f(a, "z"))*t,
		}
	})
	rt.Set("slerp", func(a, b map[string]any, t float64) map[string]any {
		return quatToMap(mgl64.QuatSlerp(mapToQuat(a), mapToQuat(b), t))
	})

	rt.Set("clamp", func(v, lo, hi float64) float64 {
		return mgl64.Clamp(v, lo, hi)
	})
	rt.Set("num", func(v any, def float64) float64 {
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case string:
			if parsed, err := strconv.ParseFloat(x, 64); err == nil {
				return parsed
			}
		}
		return def
	})
}

func f(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func mapToQuat(m map[string]any) mgl64.Quat {
	return mgl64.Quat{W: f(m, "w"), V: mgl64.Vec3{f(m, "x"), f(m, "y"), f(m, "z")}}
}

func quatToMap(q mgl64.Quat) map[string]any {
	return map[string]any{"x": q.V.X(), "y": q.V.Y(), "z": q.V.Z(), "w": q.W}
}
