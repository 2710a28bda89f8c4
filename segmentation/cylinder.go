package segmentation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Cylinder approximates a roundwood surface: an axis line and a mean radius,
// bounded along the axis by the extent of the points it was fitted to.
type Cylinder struct {
	Origin geometry.Point3
	Axis   geometry.Point3
	Radius float64
	// MinT and MaxT bound the fitted points along Axis, measured from Origin.
	MinT, MaxT float64
}

// minNormalSpread is the ratio of the middle to the largest eigenvalue of the
// normal scatter above which the normals are taken to wrap around an axis.
const minNormalSpread = 0.05

// FitCylinder fits a cylinder to surface points and, optionally, their
// surface normals. The normals of a lateral surface are all perpendicular to
// the axis, so when they spread around it the axis is the direction most
// orthogonal to every normal. Without normals, or when they are nearly
// parallel, the axis falls back to the principal axis of the points, which
// only holds for logs longer than they are wide. The radius is the mean
// distance to the axis.
func FitCylinder(points, normals []geometry.Point3) (Cylinder, error) {
	origin, _, axes, err := geometry.PrincipalAxes(points)
	if err != nil {
		return Cylinder{}, err
	}
	axis := axes[2]
	if len(normals) > 0 {
		vals, naxes, err := geometry.OrientationAxes(normals)
		if err == nil && vals[1] > minNormalSpread*vals[2] {
			axis = naxes[0]
		}
	}
	c := Cylinder{Origin: origin, Axis: axis, MinT: math.Inf(1), MaxT: math.Inf(-1)}
	var sum float64
	for _, p := range points {
		t := c.axial(p)
		c.MinT = math.Min(c.MinT, t)
		c.MaxT = math.Max(c.MaxT, t)
		sum += c.RadialDistance(p)
	}
	c.Radius = sum / float64(len(points))
	if c.Radius <= 1e-12*math.Max(1, c.MaxT-c.MinT) {
		return Cylinder{}, errors.Wrap(geometry.ErrDegenerateGeometry, "points lie on a line")
	}
	return c, nil
}

// elementNormals returns the unit normal of every non-degenerate triangle of m.
func elementNormals(m *geometry.Mesh) []geometry.Point3 {
	tris, err := m.Triangles()
	if err != nil {
		return nil
	}
	normals := make([]geometry.Point3, 0, len(tris))
	for _, t := range tris {
		if n := t.Normal(); r3.Norm(n) > 0 {
			normals = append(normals, n)
		}
	}
	return normals
}

func (c Cylinder) axial(p geometry.Point3) float64 {
	return r3.Dot(r3.Sub(p, c.Origin), c.Axis)
}

// RadialDistance returns the distance from p to the axis line.
func (c Cylinder) RadialDistance(p geometry.Point3) float64 {
	v := r3.Sub(p, c.Origin)
	return r3.Norm(r3.Sub(v, r3.Scale(r3.Dot(v, c.Axis), c.Axis)))
}

// SurfaceDistance returns how far p lies from the lateral surface, or +Inf
// when p is beyond either end by more than slack.
func (c Cylinder) SurfaceDistance(p geometry.Point3, slack float64) float64 {
	t := c.axial(p)
	if t < c.MinT-slack || t > c.MaxT+slack {
		return math.Inf(1)
	}
	return math.Abs(c.RadialDistance(p) - c.Radius)
}

// AcceptsNormal reports whether n is perpendicular to the axis within angle.
func (c Cylinder) AcceptsNormal(n geometry.Point3, angle float64) bool {
	return geometry.LineAngle(n, c.Axis) >= math.Pi/2-angle
}
