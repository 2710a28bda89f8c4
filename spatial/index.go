// Package spatial provides the nearest-neighbour index every distance,
// segmentation and registration query goes through.
package spatial

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Neighbor is a query hit: the index of the point in the slice the Index was
// built from, its position, and its Euclidean distance to the query.
type Neighbor struct {
	Index    int
	Point    geometry.Point3
	Distance float64
}

// Index is an immutable kd-tree over a point set. It is safe for concurrent
// readers. When the backing points change, build a new Index.
type Index struct {
	tree *kdtree.Tree
	n    int
}

// New builds an index over points. The slice is copied; later changes to it
// are not seen by the index.
func New(points []geometry.Point3) *Index {
	idx := &Index{n: len(points)}
	if len(points) == 0 {
		return idx
	}
	items := make(indexedPoints, len(points))
	for i, p := range points {
		items[i] = indexedPoint{Vec: p, idx: i}
	}
	idx.tree = kdtree.New(items, false)
	return idx
}

// Len returns the number of indexed points.
func (x *Index) Len() int {
	return x.n
}

// Nearest returns the closest indexed point to q.
func (x *Index) Nearest(q geometry.Point3) (Neighbor, error) {
	if x.n == 0 {
		return Neighbor{}, geometry.ErrEmptyIndex
	}
	c, d2 := x.tree.Nearest(indexedPoint{Vec: q, idx: -1})
	p := c.(indexedPoint)
	return Neighbor{Index: p.idx, Point: p.Vec, Distance: math.Sqrt(d2)}, nil
}

// KNearest returns up to k closest points sorted by ascending distance.
func (x *Index) KNearest(q geometry.Point3, k int) ([]Neighbor, error) {
	if x.n == 0 {
		return nil, geometry.ErrEmptyIndex
	}
	if k <= 0 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "k must be positive, got %d", k)
	}
	keep := kdtree.NewNKeeper(k)
	x.tree.NearestSet(keep, indexedPoint{Vec: q, idx: -1})
	return collect(keep.Heap), nil
}

// Radius returns every indexed point within r of q, sorted by ascending distance.
func (x *Index) Radius(q geometry.Point3, r float64) ([]Neighbor, error) {
	if x.n == 0 {
		return nil, geometry.ErrEmptyIndex
	}
	if r < 0 || math.IsNaN(r) {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "radius %v", r)
	}
	// Distances inside the tree are squared.
	keep := kdtree.NewDistKeeper(r * r)
	x.tree.NearestSet(keep, indexedPoint{Vec: q, idx: -1})
	return collect(keep.Heap), nil
}

func collect(heap kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, cd := range heap {
		// The keepers seed their heap with a sentinel that carries no point.
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(indexedPoint)
		out = append(out, Neighbor{Index: p.idx, Point: p.Vec, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// indexedPoint is a kdtree.Comparable remembering its position in the input slice.
type indexedPoint struct {
	r3.Vec
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	}
	panic("unreachable")
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, as the kd-tree expects.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	return r3.Norm2(r3.Sub(p.Vec, q.Vec))
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

func (p indexedPoints) Pivot(d kdtree.Dim) int {
	pl := plane{dim: d, points: p}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

type plane struct {
	dim    kdtree.Dim
	points indexedPoints
}

func (p plane) Less(i, j int) bool {
	return p.points[i].Compare(p.points[j], p.dim) < 0
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}
func (p plane) Len() int { return len(p.points) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
