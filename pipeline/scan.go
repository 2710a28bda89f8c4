package pipeline

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/registration"
)

// designVoxelFraction derives the registration voxel size from the assembly's
// bounding box diagonal when none is configured.
const designVoxelFraction = 50

// Alignment is the rigid motion that brought a raw scan onto the assembly.
type Alignment struct {
	Transform geometry.Transform
	Coarse    registration.GlobalResult
	// Refined is the ICP run started from the coarse result. It stays zero
	// when refinement found too few correspondences.
	Refined registration.Result
	// Coverage scores the design cloud against the aligned scan.
	Coverage registration.Evaluation
}

// PreparedScan is a raw scan ready for segmentation.
type PreparedScan struct {
	Clusters  []*geometry.PointCloud
	Alignment *Alignment // nil when global registration is off
	Points    int        // scan points left after downsampling
}

// PrepareScan thins a raw scan, optionally aligns it onto the assembly and
// splits it into clusters of similar normals.
func (o *Orchestrator) PrepareScan(ctx context.Context, a *geometry.Assembly, scan *geometry.PointCloud) (*PreparedScan, error) {
	if err := scan.Validate(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	if size := o.cfg.Sampling.VoxelSize; size > 0 {
		thinned, err := scan.VoxelDownsample(size)
		if err != nil {
			return nil, err
		}
		o.logger.Debugw("downsampled scan", "voxel", size, "before", scan.Len(), "after", thinned.Len())
		scan = thinned
	}

	out := &PreparedScan{Points: scan.Len()}
	if o.cfg.Registration.Global {
		al, err := o.Align(ctx, a, scan)
		if err != nil {
			return nil, errors.Wrap(err, "aligning scan")
		}
		scan = scan.Transformed(al.Transform)
		out.Alignment = al
	}
	clusters, err := o.Cluster(scan)
	if err != nil {
		return nil, errors.Wrap(err, "clustering scan")
	}
	out.Clusters = clusters
	return out, nil
}

// Align finds the rigid motion mapping scan onto the whole assembly: a global
// search over a cloud sampled from every face, refined by ICP.
func (o *Orchestrator) Align(ctx context.Context, a *geometry.Assembly, scan *geometry.PointCloud) (*Alignment, error) {
	if a == nil {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "nil assembly")
	}
	design := a.Mesh()
	if design.IsEmpty() {
		return nil, errors.Wrapf(geometry.ErrInvalidReferenceGeometry, "assembly %q has no faces", a.Name)
	}
	rng := rand.New(rand.NewSource(o.seed))
	target, err := design.SampleUniform(o.cfg.Sampling.PointsPerFace*len(design.Faces), rng)
	if err != nil {
		return nil, errors.Wrap(err, "sampling assembly")
	}

	rc := o.cfg.Registration
	voxel := rc.VoxelSize
	if voxel == 0 {
		voxel = design.BoundingBox().Diagonal() / designVoxelFraction
	}
	gate := rc.MaxCorrespondenceDistance
	if gate == 0 {
		gate = 3 * voxel
	}
	coarse, err := registration.Global(ctx, scan, target, registration.GlobalConfig{
		VoxelSize:                 voxel,
		Candidates:                rc.Candidates,
		RefineIterations:          rc.RefineIterations,
		MaxCorrespondenceDistance: gate,
		Seed:                      o.seed,
	})
	if err != nil {
		return nil, err
	}
	al := &Alignment{Transform: coarse.Transform, Coarse: coarse}

	icp := registration.Config{
		MaxIterations:             o.cfg.ICP.MaxIterations,
		Tolerance:                 o.cfg.ICP.Tolerance,
		MaxCorrespondenceDistance: voxel,
	}
	refined, err := registration.ICP(ctx, scan.Transformed(coarse.Transform), target, icp)
	switch {
	case errors.Is(err, geometry.ErrInsufficientCorrespondences):
		o.logger.Debugw("keeping coarse alignment", "error", err)
	case err != nil:
		return nil, err
	case refined.Transform.IsRigid(rigidTolerance):
		al.Refined = refined
		al.Transform = refined.Transform.Mul(coarse.Transform)
	}

	if al.Coverage, err = registration.EvaluateRegistration(ctx, target, scan, al.Transform.Inverse(), gate); err != nil {
		return nil, err
	}
	o.logger.Infow("aligned scan", "assembly", a.Name, "hypotheses", coarse.Hypotheses,
		"fitness", coarse.Fitness, "rmse", al.Refined.RMSE, "coverage", al.Coverage.Fitness,
		"rotation", al.Transform.RotationAngle(), "translation", al.Transform.TranslationNorm())
	return al, nil
}
