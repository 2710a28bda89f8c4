package geometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// SanityAttribute is the attribute key under which joint segments carry their
// scan sanity code.
const SanityAttribute = "df_sanity_scan_check"

// PointCloud is an ordered set of points with optional per-point unit normals
// and free-form string attributes attached to the whole cloud.
type PointCloud struct {
	Points     []Point3          `json:"points"`
	Normals    []Point3          `json:"normals,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewPointCloud builds a cloud and checks that normals, when given, match the points.
func NewPointCloud(points, normals []Point3) (*PointCloud, error) {
	if len(normals) != 0 && len(normals) != len(points) {
		return nil, errors.Wrapf(ErrInvalidInput, "%d normals for %d points", len(normals), len(points))
	}
	return &PointCloud{Points: points, Normals: normals}, nil
}

// Validate checks the normals-length invariant and that every point is finite.
func (c *PointCloud) Validate() error {
	if c == nil {
		return errors.Wrap(ErrInvalidInput, "nil point cloud")
	}
	if len(c.Normals) != 0 && len(c.Normals) != len(c.Points) {
		return errors.Wrapf(ErrInvalidInput, "%d normals for %d points", len(c.Normals), len(c.Points))
	}
	for i, p := range c.Points {
		if !IsFinite(p) {
			return errors.Wrapf(ErrInvalidInput, "point %d is not finite", i)
		}
	}
	return nil
}

// Len returns the number of points.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// HasNormals reports whether every point carries a normal.
func (c *PointCloud) HasNormals() bool {
	return c != nil && len(c.Points) > 0 && len(c.Normals) == len(c.Points)
}

// Clone returns a deep copy.
func (c *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		Points: append([]Point3(nil), c.Points...),
	}
	if len(c.Normals) > 0 {
		out.Normals = append([]Point3(nil), c.Normals...)
	}
	if len(c.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// SetAttribute sets a cloud-level attribute.
func (c *PointCloud) SetAttribute(key, value string) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	c.Attributes[key] = value
}

// AddPoints appends the points of o. Normals are kept only while both clouds
// have them for every point.
func (c *PointCloud) AddPoints(o *PointCloud) {
	if o == nil || len(o.Points) == 0 {
		return
	}
	keepNormals := (len(c.Points) == 0 || c.HasNormals()) && o.HasNormals()
	c.Points = append(c.Points, o.Points...)
	if keepNormals {
		c.Normals = append(c.Normals, o.Normals...)
	} else {
		c.Normals = nil
	}
}

// Subset returns a new cloud holding the points at the given indices.
func (c *PointCloud) Subset(indices []int) *PointCloud {
	out := &PointCloud{Points: make([]Point3, len(indices))}
	if c.HasNormals() {
		out.Normals = make([]Point3, len(indices))
	}
	for i, idx := range indices {
		out.Points[i] = c.Points[idx]
		if out.Normals != nil {
			out.Normals[i] = c.Normals[idx]
		}
	}
	return out
}

// BoundingBox returns the axis-aligned bounding box of the cloud.
func (c *PointCloud) BoundingBox() Box {
	return BoxOf(c.Points)
}

// Centroid returns the mean of the points.
func (c *PointCloud) Centroid() Point3 {
	return Centroid(c.Points)
}

// Transformed returns a copy of the cloud with t applied to points and normals.
func (c *PointCloud) Transformed(t Transform) *PointCloud {
	out := c.Clone()
	for i, p := range out.Points {
		out.Points[i] = t.Apply(p)
	}
	for i, n := range out.Normals {
		out.Normals[i] = t.ApplyVector(n)
	}
	return out
}

type voxelKey struct{ i, j, k int64 }

// VoxelDownsample replaces the points falling into each cubic voxel of the
// given size by their mean. Voxels keep the order in which they were first hit.
func (c *PointCloud) VoxelDownsample(size float64) (*PointCloud, error) {
	if !(size > 0) || math.IsInf(size, 0) {
		return nil, errors.Wrapf(ErrInvalidInput, "voxel size %v", size)
	}
	type acc struct {
		sum, nsum, first Point3
		n                int
	}
	withNormals := c.HasNormals()
	index := make(map[voxelKey]int)
	var voxels []acc
	for i, p := range c.Points {
		key := voxelKey{
			i: int64(math.Floor(p.X / size)),
			j: int64(math.Floor(p.Y / size)),
			k: int64(math.Floor(p.Z / size)),
		}
		vi, ok := index[key]
		if !ok {
			vi = len(voxels)
			index[key] = vi
			voxels = append(voxels, acc{})
		}
		voxels[vi].sum = r3.Add(voxels[vi].sum, p)
		if withNormals {
			if voxels[vi].n == 0 {
				voxels[vi].first = c.Normals[i]
			}
			voxels[vi].nsum = r3.Add(voxels[vi].nsum, c.Normals[i])
		}
		voxels[vi].n++
	}

	out := &PointCloud{Points: make([]Point3, len(voxels))}
	if withNormals {
		out.Normals = make([]Point3, len(voxels))
	}
	for i, v := range voxels {
		out.Points[i] = r3.Scale(1/float64(v.n), v.sum)
		if withNormals {
			if r3.Norm(v.nsum) > 0 {
				out.Normals[i] = r3.Unit(v.nsum)
			} else {
				out.Normals[i] = v.first
			}
		}
	}
	return out, nil
}
