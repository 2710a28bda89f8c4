// Package geometry holds the value types shared by the comparison engine:
// points, clouds, face meshes, beams, assemblies and rigid transforms.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3 is a position or direction in model units.
type Point3 = r3.Vec

// Distance returns the Euclidean distance between p and q.
func Distance(p, q Point3) float64 {
	return r3.Norm(r3.Sub(p, q))
}

// Centroid returns the arithmetic mean of points, or the origin for an empty slice.
func Centroid(points []Point3) Point3 {
	if len(points) == 0 {
		return Point3{}
	}
	var sum Point3
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// IsFinite reports whether every coordinate of p is a finite number.
func IsFinite(p Point3) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}

// LineAngle returns the angle in [0, π/2] between the lines spanned by u and v.
// Normals of scanned surfaces have no reliable orientation, so angles are
// compared as lines rather than directed vectors.
func LineAngle(u, v Point3) float64 {
	nu, nv := r3.Norm(u), r3.Norm(v)
	if nu == 0 || nv == 0 {
		return math.Pi / 2
	}
	c := math.Abs(r3.Dot(u, v)) / (nu * nv)
	if c > 1 {
		c = 1
	}
	return math.Acos(c)
}
