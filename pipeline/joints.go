package pipeline

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/registration"
	"github.com/ibois-epfl/diffCheck/segmentation"
)

// rigidTolerance bounds the deviation from orthonormality accepted in an ICP result.
const rigidTolerance = 1e-6

// SegmentJoints assigns scan clusters to the joints of an assembly, checks
// each joint's position and registers its segment onto the design.
//
// Joints are processed one at a time in assembly order, all drawing from one
// pool of clusters, so points claimed by a joint are never offered to a later
// one. Per-joint failures are recorded as warnings on the report; only
// missing input aborts the run.
func (o *Orchestrator) SegmentJoints(ctx context.Context, a *geometry.Assembly, clusters []*geometry.PointCloud, opts ...SegmentOption) (*Report, error) {
	pool, err := newPool(a, clusters)
	if err != nil {
		return nil, err
	}
	joints := a.AllJoints()
	if len(joints) == 0 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "assembly %q has no joints", a.Name)
	}

	report := newReport(KindJoints, a.Name, o.now(), opts)
	o.logger.Debugw("segmenting joints", "assembly", a.Name, "joints", a.TotalJoints(), "points", pool.TotalPoints())
	rng := rand.New(rand.NewSource(o.seed))
	for _, j := range joints {
		res, err := o.processJoint(ctx, j, pool, rng)
		if err != nil {
			return nil, err
		}
		if res.Warning != "" {
			report.warn(errors.Errorf("joint %d: %s", j.ID, res.Warning))
			o.logger.Warnw("joint", "joint", j.ID, "state", res.State, "code", res.Sanity,
				"displacement", res.Displacement, "warning", res.Warning)
		} else {
			o.logger.Debugw("joint", "joint", j.ID, "code", res.Sanity,
				"displacement", res.Displacement, "rmse", res.Registration.RMSE, "coverage", res.Coverage.Fitness,
				"rotation", res.Transform.RotationAngle(), "translation", res.Transform.TranslationNorm())
		}
		report.Joints = append(report.Joints, res)
	}
	report.Unassigned = pool.TotalPoints()
	o.publishReport(ctx, report)
	return report, nil
}

// processJoint walks one joint through the state machine. Only context
// cancellation is returned as an error.
func (o *Orchestrator) processJoint(ctx context.Context, j geometry.Joint, pool *segmentation.Pool, rng *rand.Rand) (JointResult, error) {
	res := JointResult{ID: j.ID, State: StateInit, Transform: geometry.Identity()}

	reference, err := o.sampleJoint(j, rng)
	if err != nil {
		res.Warning = errors.Wrap(err, "building reference").Error()
		return res, nil
	}
	ref, err := segmentation.NewReference(j.Faces, false)
	if err != nil {
		res.Warning = errors.Wrap(err, "building reference").Error()
		return res, nil
	}
	res.Reference = reference
	res.State = StateReferenceBuilt

	th := o.cfg.Thresholds
	assoc, err := segmentation.AssociateClusters(ctx, false, ref, pool, th.Angle, th.Distance)
	if err == nil {
		err = segmentation.CleanUnassociatedClusters(ctx, false, pool,
			[]*segmentation.Association{assoc}, []*segmentation.Reference{ref}, th.Angle, th.Distance)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Warning = errors.Wrap(err, "segmenting").Error()
		return res, nil
	}
	res.Segment = assoc.Merged()
	res.State = StateSegmented

	res.Sanity, res.Displacement = CheckCenter(j.BoundingBox(), res.Segment, th.JointDisplacement)
	code := res.Sanity.codeString()
	res.Segment.SetAttribute(geometry.SanityAttribute, code)
	faces := make([]*geometry.PointCloud, len(assoc.PerFace))
	for i, f := range assoc.PerFace {
		faces[i] = f.Clone()
		faces[i].SetAttribute(geometry.SanityAttribute, code)
	}
	res.State = StateCenterChecked
	if res.Sanity == SanityNoPoints {
		res.Warning = "no scan points matched"
		return res, nil
	}

	reg, err := registration.ICP(ctx, res.Segment, reference, o.registrationConfig())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Warning = errors.Wrap(err, "registration").Error()
		return res, nil
	}
	if !reg.Transform.IsRigid(rigidTolerance) {
		res.Warning = "registration produced a non-rigid transform"
		return res, nil
	}
	res.Registration = reg
	res.Transform = reg.Transform
	res.State = StateRegistered

	for i, f := range faces {
		faces[i] = f.Transformed(reg.Transform)
		if err := faces[i].Validate(); err != nil {
			res.Warning = errors.Wrapf(err, "registered face %d", i).Error()
			return res, nil
		}
	}
	res.FaceSegments = faces
	if res.Coverage, err = registration.EvaluateRegistration(ctx, reference, res.Segment, reg.Transform.Inverse(), th.Distance); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Warning = errors.Wrap(err, "coverage").Error()
		return res, nil
	}
	res.State = StateDone
	return res, nil
}

// sampleJoint builds the dense reference cloud of a joint. Faces that cannot
// be sampled are skipped; a joint with no samplable face is an error.
func (o *Orchestrator) sampleJoint(j geometry.Joint, rng *rand.Rand) (*geometry.PointCloud, error) {
	out := &geometry.PointCloud{}
	var lastErr error
	for i, m := range j.Meshes() {
		samples, err := m.SampleUniform(o.cfg.Sampling.PointsPerFace, rng)
		if err != nil {
			lastErr = errors.Wrapf(err, "face %d", i)
			continue
		}
		out.AddPoints(samples)
	}
	if out.Len() == 0 {
		if lastErr == nil {
			lastErr = errors.Wrap(geometry.ErrInvalidReferenceGeometry, "joint has no faces")
		}
		return nil, lastErr
	}
	return out, nil
}
