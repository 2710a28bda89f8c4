package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a 4x4 homogeneous transform in row-major order.
// Registration only ever produces rigid transforms (rotation + translation).
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation returns a translation-only transform.
func Translation(v Point3) Transform {
	t := Identity()
	t[0][3], t[1][3], t[2][3] = v.X, v.Y, v.Z
	return t
}

// RotationAxisAngle returns a rotation of angle radians around axis through the origin.
func RotationAxisAngle(axis Point3, angle float64) Transform {
	if r3.Norm(axis) == 0 {
		return Identity()
	}
	u := r3.Unit(axis)
	c, s := math.Cos(angle), math.Sin(angle)
	k := 1 - c
	t := Identity()
	t[0][0], t[0][1], t[0][2] = c+u.X*u.X*k, u.X*u.Y*k-u.Z*s, u.X*u.Z*k+u.Y*s
	t[1][0], t[1][1], t[1][2] = u.Y*u.X*k+u.Z*s, c+u.Y*u.Y*k, u.Y*u.Z*k-u.X*s
	t[2][0], t[2][1], t[2][2] = u.Z*u.X*k-u.Y*s, u.Z*u.Y*k+u.X*s, c+u.Z*u.Z*k
	return t
}

// FromRotationTranslation assembles a transform from a 3x3 rotation and a translation.
func FromRotationTranslation(r mat.Matrix, tr Point3) Transform {
	t := Identity()
	for i := range 3 {
		for j := range 3 {
			t[i][j] = r.At(i, j)
		}
	}
	t[0][3], t[1][3], t[2][3] = tr.X, tr.Y, tr.Z
	return t
}

func (t Transform) dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for _, row := range t {
		data = append(data, row[:]...)
	}
	return mat.NewDense(4, 4, data)
}

// Mul composes two transforms: applying t.Mul(o) equals applying o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var out mat.Dense
	out.Mul(t.dense(), o.dense())
	var r Transform
	for i := range 4 {
		for j := range 4 {
			r[i][j] = out.At(i, j)
		}
	}
	return r
}

// Apply transforms a point.
func (t Transform) Apply(p Point3) Point3 {
	return Point3{
		X: t[0][0]*p.X + t[0][1]*p.Y + t[0][2]*p.Z + t[0][3],
		Y: t[1][0]*p.X + t[1][1]*p.Y + t[1][2]*p.Z + t[1][3],
		Z: t[2][0]*p.X + t[2][1]*p.Y + t[2][2]*p.Z + t[2][3],
	}
}

// ApplyVector transforms a direction, ignoring translation.
func (t Transform) ApplyVector(v Point3) Point3 {
	return Point3{
		X: t[0][0]*v.X + t[0][1]*v.Y + t[0][2]*v.Z,
		Y: t[1][0]*v.X + t[1][1]*v.Y + t[1][2]*v.Z,
		Z: t[2][0]*v.X + t[2][1]*v.Y + t[2][2]*v.Z,
	}
}

// ApplyAll transforms a slice of points into a new slice.
func (t Transform) ApplyAll(points []Point3) []Point3 {
	out := make([]Point3, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// TranslationPart returns the translation component.
func (t Transform) TranslationPart() Point3 {
	return Point3{X: t[0][3], Y: t[1][3], Z: t[2][3]}
}

// Inverse returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
func (t Transform) Inverse() Transform {
	inv := Identity()
	for i := range 3 {
		for j := range 3 {
			inv[i][j] = t[j][i]
		}
	}
	tr := t.TranslationPart()
	rt := inv.ApplyVector(tr)
	inv[0][3], inv[1][3], inv[2][3] = -rt.X, -rt.Y, -rt.Z
	return inv
}

// IsRigid reports whether the upper 3x3 block is a proper rotation within tol
// and the last row is [0 0 0 1].
func (t Transform) IsRigid(tol float64) bool {
	for i := range 4 {
		for j := range 4 {
			if math.IsNaN(t[i][j]) || math.IsInf(t[i][j], 0) {
				return false
			}
		}
	}
	if math.Abs(t[3][0])+math.Abs(t[3][1])+math.Abs(t[3][2]) > tol || math.Abs(t[3][3]-1) > tol {
		return false
	}
	r := mat.NewDense(3, 3, []float64{
		t[0][0], t[0][1], t[0][2],
		t[1][0], t[1][1], t[1][2],
		t[2][0], t[2][1], t[2][2],
	})
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := range 3 {
		for j := range 3 {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rtr.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return math.Abs(mat.Det(r)-1) <= tol
}

// RotationAngle returns the magnitude of the rotation in radians.
func (t Transform) RotationAngle() float64 {
	c := (t[0][0] + t[1][1] + t[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// TranslationNorm returns the length of the translation component.
func (t Transform) TranslationNorm() float64 {
	return r3.Norm(t.TranslationPart())
}

// ApproxEqual reports whether every entry of t and o differs by at most tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range 4 {
		for j := range 4 {
			if math.Abs(t[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}
