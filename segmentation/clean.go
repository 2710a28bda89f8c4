package segmentation

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// CleanUnassociatedClusters removes from pool every point claimed by the
// given associations, then gives the clusters left over a second chance:
// each remaining cluster is compared as a whole with its best-ranked face
// across refs, and when its mean normal agrees with that face its points
// within association are appended to the face and removed from the pool.
//
// associated[i] must have been produced from refs[i] against the current
// state of pool. Earlier associations win points claimed by several.
func CleanUnassociatedClusters(ctx context.Context, isRoundwood bool, pool *Pool, associated []*Association, refs []*Reference, angle, association float64) error {
	if pool == nil {
		return errors.Wrap(geometry.ErrInvalidInput, "nil pool")
	}
	if len(associated) != len(refs) {
		return errors.Wrapf(geometry.ErrInvalidInput, "%d associations for %d references", len(associated), len(refs))
	}
	for i, a := range associated {
		if a == nil || a.pool != pool || a.gen != pool.gen {
			return errors.Wrapf(geometry.ErrInvalidInput, "association %d does not belong to the current pool", i)
		}
		if refs[i].Len() != len(a.PerFace) {
			return errors.Wrapf(geometry.ErrInvalidReferenceGeometry, "association %d has %d faces, reference has %d", i, len(a.PerFace), refs[i].Len())
		}
	}

	taken := make(map[Claim]struct{})
	var claims []Claim
	for _, a := range associated {
		kept := a.records[:0]
		for _, r := range a.records {
			if _, dup := taken[r.Claim]; dup {
				continue
			}
			taken[r.Claim] = struct{}{}
			kept = append(kept, r)
			claims = append(claims, r.Claim)
		}
		a.records = kept
		a.rebuild()
	}
	sortClaims(claims)
	pool.remove(claims)
	for _, a := range associated {
		a.gen = -1
	}

	if len(refs) == 0 {
		return nil
	}
	var cyl []*Cylinder
	for _, r := range refs {
		if isRoundwood {
			cyl = append(cyl, r.cylinder)
		} else {
			cyl = append(cyl, nil)
		}
	}

	claims = claims[:0]
	for ci, c := range pool.clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		centroid, normal := clusterFrame(c)
		if normal == (geometry.Point3{}) {
			continue
		}
		bestRef, bestFace, best := -1, -1, math.Inf(1)
		for ri, r := range refs {
			for fi, f := range r.faces {
				if s := f.score(cyl[ri], centroid, normal); s < best {
					bestRef, bestFace, best = ri, fi, s
				}
			}
		}
		if bestRef < 0 {
			continue
		}
		f := refs[bestRef].faces[bestFace]
		if !f.acceptsCluster(cyl[bestRef], centroid, normal, angle) {
			continue
		}
		dst := associated[bestRef].PerFace[bestFace]
		for pi, p := range c.Points {
			if f.nearPoint(cyl[bestRef], p, association) {
				appendPoint(dst, c, pi)
				claims = append(claims, Claim{Cluster: ci, Point: pi})
			}
		}
	}
	pool.remove(claims)
	return nil
}
