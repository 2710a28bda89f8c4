// Package distance computes point, cloud and mesh deviations and aggregates
// them into comparison results.
package distance

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// degenerateEps is the relative Gram determinant below which a triangle is
// treated as having zero area.
const degenerateEps = 1e-12

// PointToPoint returns the Euclidean distance between p and q.
func PointToPoint(p, q geometry.Point3) float64 {
	return geometry.Distance(p, q)
}

// ClosestPointOnSegment returns the point of segment ab closest to p. A
// zero-length segment yields a.
func ClosestPointOnSegment(p, a, b geometry.Point3) geometry.Point3 {
	ab := r3.Sub(b, a)
	l2 := r3.Norm2(ab)
	if l2 == 0 {
		return a
	}
	t := r3.Dot(r3.Sub(p, a), ab) / l2
	t = math.Max(0, math.Min(1, t))
	return r3.Add(a, r3.Scale(t, ab))
}

// ClosestPointOnTriangle projects p onto the plane of abc. When the barycentric
// weights of the projection are all non-negative it is the closest point;
// otherwise the closest of the three clamped edge projections is. Zero-area
// triangles skip the projection and use the edges directly.
func ClosestPointOnTriangle(p, a, b, c geometry.Point3) geometry.Point3 {
	e0 := r3.Sub(b, a)
	e1 := r3.Sub(c, a)
	v := r3.Sub(p, a)

	d00 := r3.Dot(e0, e0)
	d01 := r3.Dot(e0, e1)
	d11 := r3.Dot(e1, e1)
	det := d00*d11 - d01*d01

	if det > degenerateEps*d00*d11 && det > 0 {
		d20 := r3.Dot(v, e0)
		d21 := r3.Dot(v, e1)
		wb := (d11*d20 - d01*d21) / det
		wc := (d00*d21 - d01*d20) / det
		wa := 1 - wb - wc
		if wa >= 0 && wb >= 0 && wc >= 0 {
			return r3.Add(a, r3.Add(r3.Scale(wb, e0), r3.Scale(wc, e1)))
		}
	}

	best := ClosestPointOnSegment(p, a, b)
	bestD := r3.Norm2(r3.Sub(p, best))
	for _, q := range [2]geometry.Point3{ClosestPointOnSegment(p, b, c), ClosestPointOnSegment(p, c, a)} {
		if d := r3.Norm2(r3.Sub(p, q)); d < bestD {
			best, bestD = q, d
		}
	}
	return best
}

// PointToTriangle returns the distance from p to triangle abc.
func PointToTriangle(p, a, b, c geometry.Point3) float64 {
	return geometry.Distance(p, ClosestPointOnTriangle(p, a, b, c))
}

// PointToQuad returns the minimum distance from p to the triangles (a,b,c)
// and (c,d,a). Results are only meaningful for planar convex quads.
func PointToQuad(p geometry.Point3, quad [4]geometry.Point3) float64 {
	return math.Min(
		PointToTriangle(p, quad[0], quad[1], quad[2]),
		PointToTriangle(p, quad[2], quad[3], quad[0]),
	)
}

// PointToFace dispatches on the number of corners of a mesh element.
func PointToFace(face []geometry.Point3, p geometry.Point3) (float64, error) {
	switch len(face) {
	case 3:
		return PointToTriangle(p, face[0], face[1], face[2]), nil
	case 4:
		return PointToQuad(p, [4]geometry.Point3{face[0], face[1], face[2], face[3]}), nil
	default:
		return 0, errors.Wrapf(geometry.ErrUnsupportedFaceTopology, "face with %d vertices", len(face))
	}
}

// closestOnTriangles returns the closest point to p over a set of triangles.
func closestOnTriangles(p geometry.Point3, tris []geometry.Triangle) (geometry.Point3, float64) {
	best := geometry.Point3{}
	bestD := math.Inf(1)
	for _, t := range tris {
		q := ClosestPointOnTriangle(p, t[0], t[1], t[2])
		if d := r3.Norm2(r3.Sub(p, q)); d < bestD {
			best, bestD = q, d
		}
	}
	return best, math.Sqrt(bestD)
}
