package distance

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/spatial"
)

// MeshOptions tunes the candidate search of point-to-mesh queries.
type MeshOptions struct {
	// RadiusMultiplier scales the nearest-vertex distance d into the radius
	// within which vertices nominate candidate elements.
	RadiusMultiplier float64
	// Heuristic searches only within RadiusMultiplier·d. By default the radius
	// is widened to at least d + longest edge: any point of an element lies
	// within one edge length of one of its corners, so an element holding a
	// point closer than d always has a corner within that radius.
	Heuristic bool
	// ExhaustiveBelow scans every element of meshes with at most this many elements.
	ExhaustiveBelow int
}

// DefaultMeshOptions returns exact search with a 2x multiplier.
func DefaultMeshOptions() MeshOptions {
	return MeshOptions{
		RadiusMultiplier: 2,
		ExhaustiveBelow:  64,
	}
}

// Hit is the closest point of a mesh to a query.
type Hit struct {
	Point    geometry.Point3
	Element  int
	Distance float64
}

// MeshQuery answers repeated point-to-mesh queries against one mesh. It is
// read-only after construction and safe for concurrent use.
type MeshQuery struct {
	opts        MeshOptions
	vertices    *spatial.Index
	vertexIDs   []int   // index position -> mesh vertex
	incident    [][]int // mesh vertex -> elements
	elements    [][]geometry.Triangle
	normals     []geometry.Point3
	longestEdge float64
}

// NewMeshQuery validates m and precomputes its vertex index and adjacency.
func NewMeshQuery(m *geometry.Mesh, opts MeshOptions) (*MeshQuery, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.IsEmpty() {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "mesh has no elements")
	}
	switch {
	case opts.RadiusMultiplier == 0:
		opts.RadiusMultiplier = 2
	case opts.RadiusMultiplier < 1:
		opts.RadiusMultiplier = 1
	}

	q := &MeshQuery{
		opts:        opts,
		incident:    make([][]int, len(m.Vertices)),
		elements:    make([][]geometry.Triangle, len(m.Faces)),
		normals:     make([]geometry.Point3, len(m.Faces)),
		longestEdge: m.LongestEdge(),
	}
	for i, f := range m.Faces {
		tris, err := geometry.SplitElement(m.Element(i))
		if err != nil {
			return nil, err
		}
		q.elements[i] = tris
		var n geometry.Point3
		for _, t := range tris {
			n = r3.Add(n, r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0])))
		}
		if r3.Norm(n) > 0 {
			q.normals[i] = r3.Unit(n)
		}
		for _, vi := range f {
			q.incident[vi] = append(q.incident[vi], i)
		}
	}

	// Only vertices used by an element bound the distance to the surface.
	var pts []geometry.Point3
	for vi, faces := range q.incident {
		if len(faces) > 0 {
			q.vertexIDs = append(q.vertexIDs, vi)
			pts = append(pts, m.Vertices[vi])
		}
	}
	q.vertices = spatial.New(pts)
	return q, nil
}

// Closest returns the closest surface point to p.
func (q *MeshQuery) Closest(p geometry.Point3) (Hit, error) {
	if len(q.elements) <= q.opts.ExhaustiveBelow {
		return q.scan(p, nil), nil
	}

	nearest, err := q.vertices.Nearest(p)
	if err != nil {
		return Hit{}, err
	}
	d := nearest.Distance
	r := q.opts.RadiusMultiplier * d
	if !q.opts.Heuristic {
		r = math.Max(r, d+q.longestEdge)
	}
	around, err := q.vertices.Radius(p, r)
	if err != nil {
		return Hit{}, err
	}

	seen := make(map[int]struct{})
	for _, n := range around {
		for _, fi := range q.incident[q.vertexIDs[n.Index]] {
			seen[fi] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return q.scan(p, nil), nil
	}
	candidates := make([]int, 0, len(seen))
	for fi := range seen {
		candidates = append(candidates, fi)
	}
	sort.Ints(candidates)
	return q.scan(p, candidates), nil
}

// scan evaluates the given elements, or every element when candidates is nil.
// Ties keep the lowest element index.
func (q *MeshQuery) scan(p geometry.Point3, candidates []int) Hit {
	best := Hit{Element: -1, Distance: math.Inf(1)}
	visit := func(fi int) {
		pt, d := closestOnTriangles(p, q.elements[fi])
		if d < best.Distance {
			best = Hit{Point: pt, Element: fi, Distance: d}
		}
	}
	if candidates == nil {
		for fi := range q.elements {
			visit(fi)
		}
	} else {
		for _, fi := range candidates {
			visit(fi)
		}
	}
	return best
}

// Distance returns the unsigned distance from p to the mesh surface.
func (q *MeshQuery) Distance(p geometry.Point3) (float64, error) {
	h, err := q.Closest(p)
	if err != nil {
		return 0, err
	}
	return h.Distance, nil
}

// SignedDistance returns the distance from p to the surface, negative when p
// lies behind the closest element's normal.
func (q *MeshQuery) SignedDistance(p geometry.Point3) (float64, error) {
	h, err := q.Closest(p)
	if err != nil {
		return 0, err
	}
	if r3.Dot(r3.Sub(p, h.Point), q.normals[h.Element]) < 0 {
		return -h.Distance, nil
	}
	return h.Distance, nil
}

// Normal returns the unit normal of element i.
func (q *MeshQuery) Normal(i int) geometry.Point3 {
	return q.normals[i]
}

// PointToMesh returns the exact minimum distance from p to the surface of m.
// Callers issuing many queries against the same mesh should build a MeshQuery once.
func PointToMesh(m *geometry.Mesh, p geometry.Point3) (float64, error) {
	q, err := NewMeshQuery(m, DefaultMeshOptions())
	if err != nil {
		return 0, err
	}
	return q.Distance(p)
}
