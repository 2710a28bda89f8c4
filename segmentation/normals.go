// Package segmentation partitions scanned clusters among the faces of beams
// and joints.
package segmentation

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/spatial"
)

// DefaultNormalNeighbors is the neighbourhood size used when normals must be
// estimated on the fly.
const DefaultNormalNeighbors = 10

// EstimateNormals returns a copy of c whose normals are the smallest principal
// axis of each point's k nearest neighbours, flipped to point away from the
// cloud centroid.
func EstimateNormals(c *geometry.PointCloud, k int) (*geometry.PointCloud, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if k < 3 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "k must be at least 3, got %d", k)
	}
	if c.Len() < 3 {
		return nil, errors.Wrapf(geometry.ErrDegenerateGeometry, "cannot estimate normals from %d points", c.Len())
	}

	idx := spatial.New(c.Points)
	center := c.Centroid()
	out := c.Clone()
	out.Normals = make([]geometry.Point3, c.Len())
	neighborhood := make([]geometry.Point3, 0, k)
	for i, p := range c.Points {
		nn, err := idx.KNearest(p, k)
		if err != nil {
			return nil, err
		}
		neighborhood = neighborhood[:0]
		for _, n := range nn {
			neighborhood = append(neighborhood, n.Point)
		}
		_, _, axes, err := geometry.PrincipalAxes(neighborhood)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		n := axes[0]
		if r3.Dot(n, r3.Sub(p, center)) < 0 {
			n = r3.Scale(-1, n)
		}
		out.Normals[i] = n
	}
	return out, nil
}
