package segmentation

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/distance"
	"github.com/ibois-epfl/diffCheck/geometry"
)

// Reference is the design geometry a scan is segmented against: the faces of
// one beam or one joint, each prepared for repeated proximity queries.
type Reference struct {
	faces    []*referenceFace
	cylinder *Cylinder
}

type referenceFace struct {
	query    *distance.MeshQuery
	normal   geometry.Point3
	centroid geometry.Point3
	// u and v span the face plane; outline holds the elements projected onto it.
	u, v    geometry.Point3
	outline orb.MultiPolygon
	bound   orb.Bound
	curved  bool
}

// NewReference prepares faces for segmentation. When roundwood is set, faces
// flagged as roundwood (or every face, when none is flagged) are matched
// against a cylinder fitted to their vertices instead of their own planes.
func NewReference(faces []geometry.Face, roundwood bool) (*Reference, error) {
	if len(faces) == 0 {
		return nil, errors.Wrap(geometry.ErrInvalidReferenceGeometry, "no faces")
	}
	anyFlagged := false
	for _, f := range faces {
		anyFlagged = anyFlagged || f.Roundwood
	}

	ref := &Reference{}
	var curvedVertices, curvedNormals []geometry.Point3
	for i, f := range faces {
		m := f.Mesh
		if m.IsEmpty() {
			return nil, errors.Wrapf(geometry.ErrInvalidReferenceGeometry, "face %d is empty", i)
		}
		q, err := distance.NewMeshQuery(&m, distance.DefaultMeshOptions())
		if err != nil {
			return nil, errors.Wrapf(err, "face %d", i)
		}
		rf := &referenceFace{
			query:    q,
			centroid: m.Centroid(),
			curved:   roundwood && (f.Roundwood || !anyFlagged),
		}
		if rf.curved {
			curvedVertices = append(curvedVertices, m.Vertices...)
			curvedNormals = append(curvedNormals, elementNormals(&m)...)
		}
		rf.normal = m.Normal()
		switch {
		case r3.Norm(rf.normal) > 0:
			rf.u, rf.v = planeBasis(rf.normal)
			if rf.outline, err = projectOutline(&m, rf); err != nil {
				return nil, errors.Wrapf(err, "face %d", i)
			}
			rf.bound = rf.outline.Bound()
		case !rf.curved:
			return nil, errors.Wrapf(geometry.ErrInvalidReferenceGeometry, "face %d has no area", i)
		}
		ref.faces = append(ref.faces, rf)
	}
	if len(curvedVertices) > 0 {
		c, err := FitCylinder(curvedVertices, curvedNormals)
		if err != nil {
			return nil, errors.Wrap(err, "fitting roundwood cylinder")
		}
		ref.cylinder = &c
	}
	return ref, nil
}

// Len returns the number of faces.
func (r *Reference) Len() int {
	if r == nil {
		return 0
	}
	return len(r.faces)
}

// Cylinder returns the fitted roundwood cylinder, if any.
func (r *Reference) Cylinder() (Cylinder, bool) {
	if r == nil || r.cylinder == nil {
		return Cylinder{}, false
	}
	return *r.cylinder, true
}

// planeBasis returns two unit vectors orthogonal to n and to each other.
func planeBasis(n geometry.Point3) (geometry.Point3, geometry.Point3) {
	helper := geometry.Point3{X: 1}
	if math.Abs(n.X) > 0.9 {
		helper = geometry.Point3{Y: 1}
	}
	u := r3.Unit(r3.Cross(n, helper))
	return u, r3.Cross(n, u)
}

func (f *referenceFace) project(p geometry.Point3) orb.Point {
	d := r3.Sub(p, f.centroid)
	return orb.Point{r3.Dot(d, f.u), r3.Dot(d, f.v)}
}

func projectOutline(m *geometry.Mesh, f *referenceFace) (orb.MultiPolygon, error) {
	tris, err := m.Triangles()
	if err != nil {
		return nil, err
	}
	mp := make(orb.MultiPolygon, 0, len(tris))
	for _, t := range tris {
		if t.Area() == 0 {
			continue
		}
		a, b, c := f.project(t[0]), f.project(t[1]), f.project(t[2])
		mp = append(mp, orb.Polygon{orb.Ring{a, b, c, a}})
	}
	return mp, nil
}

// inOutline reports whether p projects inside the face outline.
func (f *referenceFace) inOutline(p geometry.Point3) bool {
	q := f.project(p)
	return f.bound.Contains(q) && planar.MultiPolygonContains(f.outline, q)
}

// acceptsPoint tests a single scan point with its normal against the face.
// cyl is non-nil only when roundwood matching is requested.
func (f *referenceFace) acceptsPoint(cyl *Cylinder, p, n geometry.Point3, angle, association float64) bool {
	if cyl != nil && f.curved {
		return cyl.AcceptsNormal(n, angle) && cyl.SurfaceDistance(p, association) <= association
	}
	// Projection onto the face plane never increases distances, so a point
	// within reach of the surface lies within the padded outline bound.
	if f.outline != nil && !f.bound.Pad(association).Contains(f.project(p)) {
		return false
	}
	h, err := f.query.Closest(p)
	if err != nil || h.Distance > association {
		return false
	}
	return geometry.LineAngle(n, f.query.Normal(h.Element)) <= angle
}

// acceptsCluster tests a whole cluster by its centroid and mean normal.
func (f *referenceFace) acceptsCluster(cyl *Cylinder, centroid, normal geometry.Point3, angle float64) bool {
	if cyl != nil && f.curved {
		return cyl.AcceptsNormal(normal, angle)
	}
	if f.outline == nil {
		return false
	}
	return geometry.LineAngle(normal, f.normal) <= angle && f.inOutline(centroid)
}

// score ranks faces for a cluster; lower is better. Faces facing away from
// the cluster normal score +Inf.
func (f *referenceFace) score(cyl *Cylinder, centroid, normal geometry.Point3) float64 {
	d := geometry.Distance(centroid, f.centroid)
	var align float64
	if cyl != nil && f.curved {
		c := r3.Dot(normal, cyl.Axis)
		align = math.Sqrt(math.Max(0, 1-c*c))
	} else {
		align = math.Abs(r3.Dot(normal, f.normal))
	}
	if align == 0 {
		return math.Inf(1)
	}
	return d / align
}

// nearPoint tests only proximity, for points of a cluster already accepted as a whole.
func (f *referenceFace) nearPoint(cyl *Cylinder, p geometry.Point3, association float64) bool {
	if cyl != nil && f.curved {
		return cyl.SurfaceDistance(p, association) <= association
	}
	d, err := f.query.Distance(p)
	return err == nil && d <= association
}
