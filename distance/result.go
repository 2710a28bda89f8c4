package distance

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Kind tags the variant held by a Geometry.
type Kind int

const (
	KindCloud Kind = iota
	KindMesh
)

func (k Kind) String() string {
	switch k {
	case KindCloud:
		return "cloud"
	case KindMesh:
		return "mesh"
	default:
		return "unknown"
	}
}

// Geometry is either a point cloud or a mesh. The variant is fixed when the
// value is built and never inspected per point.
type Geometry struct {
	kind  Kind
	cloud *geometry.PointCloud
	mesh  *geometry.Mesh
}

// CloudGeometry wraps a point cloud.
func CloudGeometry(c *geometry.PointCloud) Geometry {
	return Geometry{kind: KindCloud, cloud: c}
}

// MeshGeometry wraps a mesh.
func MeshGeometry(m *geometry.Mesh) Geometry {
	return Geometry{kind: KindMesh, mesh: m}
}

// Kind returns the variant tag.
func (g Geometry) Kind() Kind { return g.kind }

// Cloud returns the wrapped cloud, or nil for a mesh.
func (g Geometry) Cloud() *geometry.PointCloud { return g.cloud }

// Mesh returns the wrapped mesh, or nil for a cloud.
func (g Geometry) Mesh() *geometry.Mesh { return g.mesh }

// PointCount is the number of cloud points or mesh vertices.
func (g Geometry) PointCount() int {
	switch g.kind {
	case KindMesh:
		if g.mesh == nil {
			return 0
		}
		return len(g.mesh.Vertices)
	default:
		return g.cloud.Len()
	}
}

// ComparisonResult holds the per-point distances of one source/target pair
// and their summary statistics. It is not modified after construction.
type ComparisonResult struct {
	Source    Geometry
	Target    Geometry
	Distances []float64
	RMSE      float64
	Max       float64
	Min       float64
	Mean      float64
	Std       float64
}

// NewComparisonResult computes RMSE, max, min, mean and population standard
// deviation of distances. There must be one distance per source point.
func NewComparisonResult(source, target Geometry, distances []float64) (*ComparisonResult, error) {
	if len(distances) != source.PointCount() {
		return nil, errors.Wrapf(geometry.ErrInvalidInput,
			"%d distances for %d source points", len(distances), source.PointCount())
	}
	r := &ComparisonResult{
		Source:    source,
		Target:    target,
		Distances: append([]float64(nil), distances...),
	}
	if len(distances) == 0 {
		return r, nil
	}
	r.RMSE = math.Sqrt(floats.Dot(distances, distances) / float64(len(distances)))
	r.Max = floats.Max(distances)
	r.Min = floats.Min(distances)
	r.Mean, r.Std = stat.PopMeanStdDev(distances, nil)
	return r, nil
}

// Summary is the scalar part of a ComparisonResult, as exported to sinks.
type Summary struct {
	Index      int     `json:"index"`
	SourceKind string  `json:"sourceKind"`
	TargetKind string  `json:"targetKind"`
	Points     int     `json:"points"`
	RMSE       float64 `json:"rmse"`
	Max        float64 `json:"max"`
	Min        float64 `json:"min"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
}

// Summary returns the scalar statistics of the result.
func (r *ComparisonResult) Summary(index int) Summary {
	return Summary{
		Index:      index,
		SourceKind: r.Source.Kind().String(),
		TargetKind: r.Target.Kind().String(),
		Points:     len(r.Distances),
		RMSE:       r.RMSE,
		Max:        r.Max,
		Min:        r.Min,
		Mean:       r.Mean,
		Std:        r.Std,
	}
}

// Results is an append-only collection of comparison results.
type Results struct {
	items []*ComparisonResult
}

// Add builds a ComparisonResult and appends it.
func (rs *Results) Add(source, target Geometry, distances []float64) (*ComparisonResult, error) {
	r, err := NewComparisonResult(source, target, distances)
	if err != nil {
		return nil, err
	}
	rs.items = append(rs.items, r)
	return r, nil
}

// Len returns the number of results.
func (rs *Results) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.items)
}

// At returns result i.
func (rs *Results) At(i int) *ComparisonResult {
	return rs.items[i]
}

// All returns the results in insertion order. The slice is a copy.
func (rs *Results) All() []*ComparisonResult {
	return append([]*ComparisonResult(nil), rs.items...)
}

// Summaries returns the scalar statistics of every result.
func (rs *Results) Summaries() []Summary {
	out := make([]Summary, rs.Len())
	if rs == nil {
		return out
	}
	for i, r := range rs.items {
		out[i] = r.Summary(i)
	}
	return out
}
