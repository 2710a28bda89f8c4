package segmentation

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// Association is the outcome of matching a pool against one reference: the
// matched points grouped by face, and the pool points they came from.
type Association struct {
	// PerFace holds, for each reference face, the points matched to it.
	PerFace []*geometry.PointCloud

	records []record
	pool    *Pool
	gen     int
}

type record struct {
	Claim
	face int
}

func newAssociation(faces int, pool *Pool) *Association {
	a := &Association{PerFace: make([]*geometry.PointCloud, faces), pool: pool, gen: pool.gen}
	for i := range a.PerFace {
		a.PerFace[i] = &geometry.PointCloud{}
	}
	return a
}

// Len returns the number of matched points.
func (a *Association) Len() int {
	var n int
	for _, c := range a.PerFace {
		n += c.Len()
	}
	return n
}

// Claims returns the pool points matched by the last association pass.
func (a *Association) Claims() []Claim {
	out := make([]Claim, len(a.records))
	for i, r := range a.records {
		out[i] = r.Claim
	}
	return out
}

// Merged returns every matched point in one cloud, face by face.
func (a *Association) Merged() *geometry.PointCloud {
	out := &geometry.PointCloud{}
	for _, c := range a.PerFace {
		out.AddPoints(c)
	}
	return out
}

// rebuild regenerates PerFace from the pool points named by records.
func (a *Association) rebuild() {
	for i := range a.PerFace {
		a.PerFace[i] = &geometry.PointCloud{}
	}
	for _, r := range a.records {
		appendPoint(a.PerFace[r.face], a.pool.clusters[r.Cluster], r.Point)
	}
}

func appendPoint(dst, src *geometry.PointCloud, i int) {
	dst.Points = append(dst.Points, src.Points[i])
	if src.HasNormals() && len(dst.Normals) == len(dst.Points)-1 {
		dst.Normals = append(dst.Normals, src.Normals[i])
	} else {
		dst.Normals = nil
	}
}

// AssociateClusters matches every pool point against the reference faces. A
// point is kept when its normal agrees with a face within angle (as lines)
// and it lies within association of that face's surface; with isRoundwood,
// roundwood faces are tested against the fitted cylinder instead. Each point
// goes to the first face it passes. The pool is not modified.
func AssociateClusters(ctx context.Context, isRoundwood bool, ref *Reference, pool *Pool, angle, association float64) (*Association, error) {
	if ref.Len() == 0 {
		return nil, errors.Wrap(geometry.ErrInvalidReferenceGeometry, "reference has no faces")
	}
	if pool == nil {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "nil pool")
	}
	if angle <= 0 || association <= 0 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "angle=%v association=%v", angle, association)
	}
	cyl := ref.cylinder
	if !isRoundwood {
		cyl = nil
	}

	a := newAssociation(ref.Len(), pool)
	perCluster := make([][]record, pool.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for ci, c := range pool.clusters {
		if !c.HasNormals() {
			continue
		}
		g.Go(func() error {
			var out []record
			for pi, p := range c.Points {
				if pi%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				for fi, f := range ref.faces {
					if f.acceptsPoint(cyl, p, c.Normals[pi], angle, association) {
						out = append(out, record{Claim: Claim{Cluster: ci, Point: pi}, face: fi})
						break
					}
				}
			}
			perCluster[ci] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, recs := range perCluster {
		a.records = append(a.records, recs...)
	}
	a.rebuild()
	return a, nil
}

// clusterFrame returns the centroid and a unit mean normal of c. Normals are
// flipped onto the first one before averaging; without normals the smallest
// principal axis is used.
func clusterFrame(c *geometry.PointCloud) (geometry.Point3, geometry.Point3) {
	centroid := c.Centroid()
	if c.HasNormals() {
		var sum geometry.Point3
		ref := c.Normals[0]
		for _, n := range c.Normals {
			if r3.Dot(n, ref) < 0 {
				n = r3.Scale(-1, n)
			}
			sum = r3.Add(sum, n)
		}
		if r3.Norm(sum) > 0 {
			return centroid, r3.Unit(sum)
		}
	}
	if _, _, axes, err := geometry.PrincipalAxes(c.Points); err == nil {
		return centroid, axes[0]
	}
	return centroid, geometry.Point3{}
}
