package segmentation

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/spatial"
)

// RegionOptions controls normal-based region growing.
type RegionOptions struct {
	// AngleDegrees is the largest angle between neighbouring normals that
	// still joins them into one region.
	AngleDegrees float64
	// MinClusterSize drops regions with fewer points.
	MinClusterSize int
	// K is the neighbourhood size of the growing graph and of normal estimation.
	K int
}

// DefaultRegionOptions returns 20°, 10 points, 10 neighbours.
func DefaultRegionOptions() RegionOptions {
	return RegionOptions{AngleDegrees: 20, MinClusterSize: 10, K: 10}
}

// SegmentByNormals splits a scan into clusters of connected points with
// similar normals. Normals are estimated when the cloud has none. Clusters
// come out in order of their lowest point index.
func SegmentByNormals(c *geometry.PointCloud, opts RegionOptions) ([]*geometry.PointCloud, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if opts.K <= 0 || opts.AngleDegrees <= 0 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "k=%d angle=%v", opts.K, opts.AngleDegrees)
	}
	if c.Len() == 0 {
		return nil, nil
	}
	if !c.HasNormals() {
		var err error
		if c, err = EstimateNormals(c, max(opts.K, 3)); err != nil {
			return nil, errors.Wrap(err, "estimating normals")
		}
	}

	threshold := opts.AngleDegrees * math.Pi / 180
	idx := spatial.New(c.Points)
	label := make([]int, c.Len())
	for i := range label {
		label[i] = -1
	}

	var clusters []*geometry.PointCloud
	var queue []int
	region := 0
	for seed := range c.Points {
		if label[seed] >= 0 {
			continue
		}
		label[seed] = region
		members := []int{seed}
		queue = append(queue[:0], seed)
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			nn, err := idx.KNearest(c.Points[i], opts.K+1)
			if err != nil {
				return nil, err
			}
			for _, n := range nn {
				j := n.Index
				if label[j] >= 0 {
					continue
				}
				if geometry.LineAngle(c.Normals[i], c.Normals[j]) > threshold {
					continue
				}
				label[j] = region
				members = append(members, j)
				queue = append(queue, j)
			}
		}
		region++
		if len(members) < opts.MinClusterSize {
			continue
		}
		clusters = append(clusters, c.Subset(members))
	}
	return clusters, nil
}
