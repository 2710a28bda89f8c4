// Package registration aligns scanned clouds onto reference clouds: a coarse
// global search without an initial guess, refined by point-to-point ICP.
package registration

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/spatial"
)

// Config holds the ICP stopping criteria and correspondence gate.
// Distances are in the units of the input clouds.
type Config struct {
	MaxIterations int     // Upper bound on iterations
	Tolerance     float64 // Stop when the RMSE changes by less than this
	// MaxCorrespondenceDistance rejects pairs farther apart than this.
	MaxCorrespondenceDistance float64
}

// DefaultConfig returns 50 iterations and a 1e-6 tolerance for the given gate.
func DefaultConfig(maxCorrespondenceDistance float64) Config {
	return Config{
		MaxIterations:             50,
		Tolerance:                 1e-6,
		MaxCorrespondenceDistance: maxCorrespondenceDistance,
	}
}

// Result is the outcome of an ICP run.
type Result struct {
	Transform       geometry.Transform // Maps source onto target
	RMSE            float64            // Over inlier correspondences
	Fitness         float64            // Inlier correspondences per source point
	Iterations      int
	Converged       bool
	Correspondences int
}

// divergenceFactor stops the loop when an update worsens the RMSE this much.
const divergenceFactor = 1.5

// ICP aligns source onto target starting from the identity. Each iteration
// pairs every transformed source point with its nearest target point within
// the correspondence distance and solves for the best rigid update. Neither
// cloud is modified.
func ICP(ctx context.Context, source, target *geometry.PointCloud, cfg Config) (Result, error) {
	if err := source.Validate(); err != nil {
		return Result{}, errors.Wrap(err, "source cloud")
	}
	if err := target.Validate(); err != nil {
		return Result{}, errors.Wrap(err, "target cloud")
	}
	if cfg.MaxCorrespondenceDistance <= 0 || cfg.MaxIterations <= 0 {
		return Result{}, errors.Wrapf(geometry.ErrInvalidInput, "max correspondence distance %v, max iterations %d",
			cfg.MaxCorrespondenceDistance, cfg.MaxIterations)
	}
	idx := spatial.New(target.Points)
	if idx.Len() == 0 {
		return Result{}, errors.Wrap(geometry.ErrEmptyIndex, "target cloud")
	}
	if source.Len() == 0 {
		return Result{}, errors.Wrap(geometry.ErrInsufficientCorrespondences, "source cloud is empty")
	}

	current := geometry.Identity()
	result := Result{Transform: current}
	prev, err := evaluate(ctx, source.Points, idx, current, cfg.MaxCorrespondenceDistance)
	if err != nil {
		return Result{}, err
	}
	result.RMSE, result.Fitness, result.Correspondences = prev.rmse, prev.fitness(source.Len()), len(prev.src)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		result.Iterations = iter + 1

		increment, err := RigidTransform(prev.src, prev.dst)
		if err != nil {
			if iter == 0 {
				return Result{}, err
			}
			break
		}
		next := increment.Mul(current)

		eval, err := evaluate(ctx, source.Points, idx, next, cfg.MaxCorrespondenceDistance)
		if errors.Is(err, geometry.ErrInsufficientCorrespondences) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if eval.rmse > prev.rmse*divergenceFactor {
			break
		}

		change := math.Abs(prev.rmse - eval.rmse)
		current, prev = next, eval
		result.Transform = current
		result.RMSE, result.Fitness, result.Correspondences = eval.rmse, eval.fitness(source.Len()), len(eval.src)
		if change < cfg.Tolerance {
			result.Converged = true
			break
		}
	}
	return result, nil
}

// correspondences holds the gated nearest-neighbour pairs of one iteration.
type correspondences struct {
	src, dst []geometry.Point3
	rmse     float64
}

func (c correspondences) fitness(n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(len(c.src)) / float64(n)
}

// evaluate pairs t-transformed source points with their nearest target points
// within maxDist. Fewer than 3 pairs is ErrInsufficientCorrespondences.
func evaluate(ctx context.Context, source []geometry.Point3, idx *spatial.Index, t geometry.Transform, maxDist float64) (correspondences, error) {
	var c correspondences
	var sum float64
	for i, p := range source {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return c, err
			}
		}
		q := t.Apply(p)
		n, err := idx.Nearest(q)
		if err != nil {
			return c, err
		}
		if n.Distance > maxDist {
			continue
		}
		c.src = append(c.src, q)
		c.dst = append(c.dst, n.Point)
		sum += n.Distance * n.Distance
	}
	if len(c.src) < 3 {
		return c, errors.Wrapf(geometry.ErrInsufficientCorrespondences, "%d pairs within %v", len(c.src), maxDist)
	}
	c.rmse = math.Sqrt(sum / float64(len(c.src)))
	return c, nil
}

// Evaluation scores a fixed alignment.
type Evaluation struct {
	Fitness         float64
	InlierRMSE      float64
	Correspondences int
}

// EvaluateRegistration measures how well t maps source onto target: the share
// of source points with a target point within maxDist, and the RMSE of those
// pairs. No pairs gives a zero evaluation rather than an error.
func EvaluateRegistration(ctx context.Context, source, target *geometry.PointCloud, t geometry.Transform, maxDist float64) (Evaluation, error) {
	if err := source.Validate(); err != nil {
		return Evaluation{}, errors.Wrap(err, "source cloud")
	}
	idx := spatial.New(target.Points)
	if idx.Len() == 0 {
		return Evaluation{}, errors.Wrap(geometry.ErrEmptyIndex, "target cloud")
	}
	c, err := evaluate(ctx, source.Points, idx, t, maxDist)
	if err != nil && !errors.Is(err, geometry.ErrInsufficientCorrespondences) {
		return Evaluation{}, err
	}
	if len(c.src) == 0 {
		return Evaluation{}, nil
	}
	if err != nil {
		var sum float64
		for i := range c.src {
			d := geometry.Distance(c.src[i], c.dst[i])
			sum += d * d
		}
		c.rmse = math.Sqrt(sum / float64(len(c.src)))
	}
	return Evaluation{
		Fitness:         c.fitness(source.Len()),
		InlierRMSE:      c.rmse,
		Correspondences: len(c.src),
	}, nil
}
