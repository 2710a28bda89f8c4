package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/segmentation"
)

// SegmentBeams assigns scan clusters to the side faces of every beam, in
// assembly order. Roundwood beams are matched against a fitted cylinder.
// A beam that matches no point gets a nil segment and a warning.
func (o *Orchestrator) SegmentBeams(ctx context.Context, a *geometry.Assembly, clusters []*geometry.PointCloud, opts ...SegmentOption) (*Report, error) {
	pool, err := newPool(a, clusters)
	if err != nil {
		return nil, err
	}
	if len(a.Beams) == 0 {
		return nil, errors.Wrapf(geometry.ErrInvalidInput, "assembly %q has no beams", a.Name)
	}

	report := newReport(KindBeams, a.Name, o.now(), opts)
	th := o.cfg.Thresholds
	for i := range a.Beams {
		b := &a.Beams[i]
		res := BeamResult{Name: b.Name}
		err := o.segmentBeam(ctx, b, pool, th.Angle, th.Association, &res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			res.Warning = err.Error()
		}
		if res.Warning != "" {
			report.warn(errors.Errorf("beam %q: %s", b.Name, res.Warning))
			o.logger.Warnw("beam", "beam", b.Name, "warning", res.Warning)
		}
		report.Beams = append(report.Beams, res)
	}
	report.Unassigned = pool.TotalPoints()
	o.publishReport(ctx, report)
	return report, nil
}

func (o *Orchestrator) segmentBeam(ctx context.Context, b *geometry.Beam, pool *segmentation.Pool, angle, association float64, res *BeamResult) error {
	ref, err := segmentation.NewReference(b.SideFaces(), b.Roundwood)
	if err != nil {
		return errors.Wrap(err, "building reference")
	}
	assoc, err := segmentation.AssociateClusters(ctx, b.Roundwood, ref, pool, angle, association)
	if err != nil {
		return errors.Wrap(err, "associating")
	}
	err = segmentation.CleanUnassociatedClusters(ctx, b.Roundwood, pool,
		[]*segmentation.Association{assoc}, []*segmentation.Reference{ref}, angle, association)
	if err != nil {
		return errors.Wrap(err, "cleaning")
	}
	merged := assoc.Merged()
	if merged.Len() == 0 {
		res.Warning = "no scan points matched"
		return nil
	}
	res.Segment = merged
	res.FaceSegments = assoc.PerFace
	return nil
}
