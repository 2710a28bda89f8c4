package segmentation

import (
	"sort"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Pool is the working set of scan clusters not yet claimed by any face. It is
// owned by a single caller and handed by pointer to each stage in turn; it
// must not be shared between goroutines.
type Pool struct {
	clusters []*geometry.PointCloud
	// gen changes every time points are removed, so claims recorded against an
	// older state are rejected.
	gen int
}

// NewPool copies clusters into a new pool. Empty clusters are skipped and
// missing normals are estimated; clusters too small to estimate normals for
// are kept without them and can only be claimed by the cluster-level pass.
func NewPool(clusters []*geometry.PointCloud) (*Pool, error) {
	p := &Pool{}
	for _, c := range clusters {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.Len() == 0 {
			continue
		}
		cp := c.Clone()
		if !cp.HasNormals() {
			if est, err := EstimateNormals(cp, DefaultNormalNeighbors); err == nil {
				cp = est
			}
		}
		p.clusters = append(p.clusters, cp)
	}
	return p, nil
}

// Clusters returns the remaining clusters. Callers must not modify them.
func (p *Pool) Clusters() []*geometry.PointCloud {
	if p == nil {
		return nil
	}
	return p.clusters
}

// Len returns the number of remaining clusters.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.clusters)
}

// TotalPoints returns the number of unclaimed points.
func (p *Pool) TotalPoints() int {
	var n int
	for _, c := range p.Clusters() {
		n += c.Len()
	}
	return n
}

// Claim identifies one point of the pool: its cluster and its index within it.
type Claim struct {
	Cluster int
	Point   int
}

// remove deletes the claimed points and drops clusters left empty.
func (p *Pool) remove(claims []Claim) {
	if len(claims) == 0 {
		return
	}
	byCluster := make(map[int]map[int]struct{})
	for _, c := range claims {
		if byCluster[c.Cluster] == nil {
			byCluster[c.Cluster] = make(map[int]struct{})
		}
		byCluster[c.Cluster][c.Point] = struct{}{}
	}

	kept := p.clusters[:0]
	for ci, c := range p.clusters {
		drop, ok := byCluster[ci]
		if !ok {
			kept = append(kept, c)
			continue
		}
		keep := make([]int, 0, c.Len()-len(drop))
		for i := range c.Points {
			if _, gone := drop[i]; !gone {
				keep = append(keep, i)
			}
		}
		if len(keep) == 0 {
			continue
		}
		rest := c.Subset(keep)
		rest.Attributes = c.Attributes
		kept = append(kept, rest)
	}
	for i := len(kept); i < len(p.clusters); i++ {
		p.clusters[i] = nil
	}
	p.clusters = kept
	p.gen++
}

// sortClaims orders claims by cluster then point.
func sortClaims(claims []Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].Cluster != claims[j].Cluster {
			return claims[i].Cluster < claims[j].Cluster
		}
		return claims[i].Point < claims[j].Point
	})
}
