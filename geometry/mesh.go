package geometry

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a vertex buffer plus triangle or quad elements indexing into it.
type Mesh struct {
	Vertices []Point3 `json:"vertices"`
	Faces    [][]int  `json:"faces"`
}

// Triangle is three corner positions.
type Triangle [3]Point3

// Normal returns the unit normal of the triangle, or the zero vector when it is degenerate.
func (t Triangle) Normal() Point3 {
	n := r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0]))
	if r3.Norm(n) == 0 {
		return Point3{}
	}
	return r3.Unit(n)
}

// Area returns the triangle area.
func (t Triangle) Area() float64 {
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
}

// Validate checks that every element has 3 or 4 in-range vertex indices.
func (m *Mesh) Validate() error {
	if m == nil {
		return errors.Wrap(ErrInvalidInput, "nil mesh")
	}
	for fi, f := range m.Faces {
		if len(f) != 3 && len(f) != 4 {
			return errors.Wrapf(ErrUnsupportedFaceTopology, "element %d has %d vertices", fi, len(f))
		}
		for _, vi := range f {
			if vi < 0 || vi >= len(m.Vertices) {
				return errors.Wrapf(ErrInvalidInput, "element %d references vertex %d of %d", fi, vi, len(m.Vertices))
			}
		}
	}
	for i, v := range m.Vertices {
		if !IsFinite(v) {
			return errors.Wrapf(ErrInvalidInput, "vertex %d is not finite", i)
		}
	}
	return nil
}

// IsEmpty reports whether the mesh has no elements.
func (m *Mesh) IsEmpty() bool {
	return m == nil || len(m.Faces) == 0 || len(m.Vertices) == 0
}

// Element returns the corner positions of element i.
func (m *Mesh) Element(i int) []Point3 {
	f := m.Faces[i]
	pts := make([]Point3, len(f))
	for j, vi := range f {
		pts[j] = m.Vertices[vi]
	}
	return pts
}

// SplitElement splits a triangle or quad element into triangles.
// Quads [a b c d] become (a,b,c) and (c,d,a).
func SplitElement(pts []Point3) ([]Triangle, error) {
	switch len(pts) {
	case 3:
		return []Triangle{{pts[0], pts[1], pts[2]}}, nil
	case 4:
		return []Triangle{{pts[0], pts[1], pts[2]}, {pts[2], pts[3], pts[0]}}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFaceTopology, "%d vertices", len(pts))
	}
}

// Triangles returns every element split into triangles.
func (m *Mesh) Triangles() ([]Triangle, error) {
	tris := make([]Triangle, 0, len(m.Faces))
	for i := range m.Faces {
		t, err := SplitElement(m.Element(i))
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		tris = append(tris, t...)
	}
	return tris, nil
}

// Area returns the total surface area.
func (m *Mesh) Area() float64 {
	tris, err := m.Triangles()
	if err != nil {
		return 0
	}
	var a float64
	for _, t := range tris {
		a += t.Area()
	}
	return a
}

// Normal returns the area-weighted mean normal. For the planar patches that
// make up a beam face this is the face normal.
func (m *Mesh) Normal() Point3 {
	tris, err := m.Triangles()
	if err != nil {
		return Point3{}
	}
	var sum Point3
	for _, t := range tris {
		sum = r3.Add(sum, r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
	}
	if r3.Norm(sum) == 0 {
		return Point3{}
	}
	return r3.Unit(sum)
}

// Centroid returns the area-weighted surface centroid, falling back to the
// vertex mean for zero-area meshes.
func (m *Mesh) Centroid() Point3 {
	tris, err := m.Triangles()
	if err != nil {
		return Centroid(m.Vertices)
	}
	var sum Point3
	var area float64
	for _, t := range tris {
		a := t.Area()
		c := r3.Scale(1.0/3, r3.Add(r3.Add(t[0], t[1]), t[2]))
		sum = r3.Add(sum, r3.Scale(a, c))
		area += a
	}
	if area == 0 {
		return Centroid(m.Vertices)
	}
	return r3.Scale(1/area, sum)
}

// BoundingBox returns the bounding box of the vertices.
func (m *Mesh) BoundingBox() Box {
	return BoxOf(m.Vertices)
}

// LongestEdge returns the length of the longest element edge.
func (m *Mesh) LongestEdge() float64 {
	var longest float64
	for _, f := range m.Faces {
		for j := range f {
			a, b := m.Vertices[f[j]], m.Vertices[f[(j+1)%len(f)]]
			longest = math.Max(longest, Distance(a, b))
		}
	}
	return longest
}

// Transformed returns a copy of the mesh with t applied to every vertex.
func (m *Mesh) Transformed(t Transform) *Mesh {
	out := &Mesh{
		Vertices: t.ApplyAll(m.Vertices),
		Faces:    make([][]int, len(m.Faces)),
	}
	for i, f := range m.Faces {
		out.Faces[i] = append([]int(nil), f...)
	}
	return out
}

// VertexCloud returns the mesh vertices as a point cloud with vertex normals
// averaged from the incident elements.
func (m *Mesh) VertexCloud() *PointCloud {
	normals := make([]Point3, len(m.Vertices))
	for i := range m.Faces {
		tris, err := SplitElement(m.Element(i))
		if err != nil {
			continue
		}
		var n Point3
		for _, t := range tris {
			n = r3.Add(n, r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
		}
		for _, vi := range m.Faces[i] {
			normals[vi] = r3.Add(normals[vi], n)
		}
	}
	for i, n := range normals {
		if r3.Norm(n) > 0 {
			normals[i] = r3.Unit(n)
		}
	}
	return &PointCloud{
		Points:  append([]Point3(nil), m.Vertices...),
		Normals: normals,
	}
}

// SampleUniform draws n points uniformly over the surface, each carrying the
// normal of the triangle it was drawn from.
func (m *Mesh) SampleUniform(n int, rng *rand.Rand) (*PointCloud, error) {
	tris, err := m.Triangles()
	if err != nil {
		return nil, err
	}
	cumulative := make([]float64, len(tris))
	var total float64
	for i, t := range tris {
		total += t.Area()
		cumulative[i] = total
	}
	if total == 0 {
		return nil, errors.Wrap(ErrDegenerateGeometry, "cannot sample a mesh with zero area")
	}

	out := &PointCloud{
		Points:  make([]Point3, n),
		Normals: make([]Point3, n),
	}
	for i := range n {
		ti := sort.SearchFloat64s(cumulative, rng.Float64()*total)
		if ti >= len(tris) {
			ti = len(tris) - 1
		}
		t := tris[ti]
		r1, r2 := math.Sqrt(rng.Float64()), rng.Float64()
		// Uniform barycentric sample: (1-√r1, √r1(1-r2), √r1·r2).
		p := r3.Add(
			r3.Add(r3.Scale(1-r1, t[0]), r3.Scale(r1*(1-r2), t[1])),
			r3.Scale(r1*r2, t[2]),
		)
		out.Points[i] = p
		out.Normals[i] = t.Normal()
	}
	return out, nil
}

// MergeMeshes concatenates meshes into one vertex buffer.
func MergeMeshes(meshes ...*Mesh) *Mesh {
	out := &Mesh{}
	for _, m := range meshes {
		if m == nil {
			continue
		}
		offset := len(out.Vertices)
		out.Vertices = append(out.Vertices, m.Vertices...)
		for _, f := range m.Faces {
			nf := make([]int, len(f))
			for j, vi := range f {
				nf[j] = vi + offset
			}
			out.Faces = append(out.Faces, nf)
		}
	}
	return out
}
