package registration

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ibois-epfl/diffCheck/geometry"
)

// GlobalConfig controls the coarse alignment that seeds ICP when the scan
// and the design do not start close to each other.
type GlobalConfig struct {
	// VoxelSize downsamples both clouds before the search. Zero keeps every point.
	VoxelSize float64
	// Candidates is the number of random rotations tried on top of the
	// principal-frame hypotheses.
	Candidates int
	// RefineIterations bounds the ICP run scoring each hypothesis.
	RefineIterations int
	// MaxCorrespondenceDistance gates the pairs of every scoring run.
	MaxCorrespondenceDistance float64
	Seed                      int64
}

// GlobalResult is the best hypothesis found by Global.
type GlobalResult struct {
	Transform  geometry.Transform // Maps source onto target
	Fitness    float64
	RMSE       float64
	Hypotheses int // Hypotheses that produced enough correspondences
}

// Global aligns source onto target without an initial guess. It matches the
// principal frames of both clouds under every proper sign flip, adds random
// rotations about the source centroid, refines each hypothesis with a short
// ICP and keeps the one with the highest fitness, then the lowest RMSE.
func Global(ctx context.Context, source, target *geometry.PointCloud, cfg GlobalConfig) (GlobalResult, error) {
	if cfg.MaxCorrespondenceDistance <= 0 || cfg.RefineIterations <= 0 || cfg.Candidates < 0 || cfg.VoxelSize < 0 {
		return GlobalResult{}, errors.Wrapf(geometry.ErrInvalidInput,
			"max correspondence distance %v, refine iterations %d, candidates %d, voxel size %v",
			cfg.MaxCorrespondenceDistance, cfg.RefineIterations, cfg.Candidates, cfg.VoxelSize)
	}
	src, err := downsample(source, cfg.VoxelSize)
	if err != nil {
		return GlobalResult{}, errors.Wrap(err, "source cloud")
	}
	tgt, err := downsample(target, cfg.VoxelSize)
	if err != nil {
		return GlobalResult{}, errors.Wrap(err, "target cloud")
	}

	hypotheses, err := frameHypotheses(src.Points, tgt.Points)
	if err != nil {
		return GlobalResult{}, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	cs, ct := src.Centroid(), tgt.Centroid()
	for range cfg.Candidates {
		axis := geometry.Point3{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		rot := geometry.RotationAxisAngle(axis, 2*math.Pi*rng.Float64())
		hypotheses = append(hypotheses, aboutCentroids(rot, cs, ct))
	}

	refine := DefaultConfig(cfg.MaxCorrespondenceDistance)
	refine.MaxIterations = cfg.RefineIterations
	var results []GlobalResult
	for _, h := range hypotheses {
		if err := ctx.Err(); err != nil {
			return GlobalResult{}, err
		}
		r, err := ICP(ctx, src.Transformed(h), tgt, refine)
		if errors.Is(err, geometry.ErrInsufficientCorrespondences) {
			continue
		}
		if err != nil {
			return GlobalResult{}, err
		}
		results = append(results, GlobalResult{Transform: r.Transform.Mul(h), Fitness: r.Fitness, RMSE: r.RMSE})
	}
	if len(results) == 0 {
		return GlobalResult{}, errors.Wrapf(geometry.ErrInsufficientCorrespondences,
			"no hypothesis out of %d overlaps the target within %v", len(hypotheses), cfg.MaxCorrespondenceDistance)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Fitness != results[j].Fitness {
			return results[i].Fitness > results[j].Fitness
		}
		return results[i].RMSE < results[j].RMSE
	})
	best := results[0]
	best.Hypotheses = len(results)
	return best, nil
}

func downsample(c *geometry.PointCloud, size float64) (*geometry.PointCloud, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Len() == 0 {
		return nil, errors.Wrap(geometry.ErrEmptyIndex, "empty cloud")
	}
	if size == 0 {
		return c, nil
	}
	return c.VoxelDownsample(size)
}

// frameHypotheses maps the principal axes of source onto those of target.
// Axis signs are ambiguous, so every sign pattern giving a proper rotation is
// returned.
func frameHypotheses(source, target []geometry.Point3) ([]geometry.Transform, error) {
	cs, _, sa, err := geometry.PrincipalAxes(source)
	if err != nil {
		return nil, errors.Wrap(err, "source frame")
	}
	ct, _, ta, err := geometry.PrincipalAxes(target)
	if err != nil {
		return nil, errors.Wrap(err, "target frame")
	}
	s, t := axesMatrix(sa), axesMatrix(ta)
	var out []geometry.Transform
	for _, signs := range [][3]float64{{1, 1, 1}, {1, -1, -1}, {-1, 1, -1}, {-1, -1, 1}, {-1, -1, -1}, {-1, 1, 1}, {1, -1, 1}, {1, 1, -1}} {
		d := mat.NewDiagDense(3, signs[:])
		var r mat.Dense
		r.Product(t, d, s.T())
		if mat.Det(&r) < 0 {
			continue
		}
		out = append(out, aboutCentroids(geometry.FromRotationTranslation(&r, geometry.Point3{}), cs, ct))
	}
	return out, nil
}

func axesMatrix(axes [3]geometry.Point3) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for j, a := range axes {
		m.Set(0, j, a.X)
		m.Set(1, j, a.Y)
		m.Set(2, j, a.Z)
	}
	return m
}

// aboutCentroids turns a rotation about the origin into one that moves the
// source centroid cs onto the target centroid ct.
func aboutCentroids(rot geometry.Transform, cs, ct geometry.Point3) geometry.Transform {
	return geometry.Translation(ct).Mul(rot).Mul(geometry.Translation(r3.Scale(-1, cs)))
}
