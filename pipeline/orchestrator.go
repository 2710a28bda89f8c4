// Package pipeline runs comparisons and segmentation workflows over whole
// assemblies and hands their reports to sinks.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ibois-epfl/diffCheck/config"
	"github.com/ibois-epfl/diffCheck/distance"
	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/registration"
	"github.com/ibois-epfl/diffCheck/segmentation"
)

// Sink receives the outcome of every run. Implementations must be safe for
// concurrent use.
type Sink interface {
	PublishComparison(ctx context.Context, run *ComparisonRun) error
	PublishReport(ctx context.Context, report *Report) error
}

// Orchestrator owns the configuration and the sinks of a diffcheck process.
// Each call runs independently; the scan pool of a segmentation run is owned
// by that call alone.
type Orchestrator struct {
	cfg    config.Config
	logger *zap.SugaredLogger
	sinks  []Sink
	seed   int64
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink adds a sink notified after every run.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithSeed overrides the sampling seed of reference clouds.
func WithSeed(seed int64) Option {
	return func(o *Orchestrator) { o.seed = seed }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates cfg and returns an orchestrator.
func New(cfg config.Config, logger *zap.SugaredLogger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		seed:   cfg.Sampling.Seed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() config.Config {
	return o.cfg
}

// ComparisonOptions returns the distance options derived from the configuration.
func (o *Orchestrator) ComparisonOptions() distance.Options {
	c := o.cfg.Comparison
	return distance.Options{
		Signed:  c.Signed,
		Swap:    c.Swap,
		Workers: c.Workers,
		Mesh: distance.MeshOptions{
			RadiusMultiplier: c.RadiusMultiplier,
			Heuristic:        c.Heuristic,
			ExhaustiveBelow:  c.ExhaustiveBelow,
		},
	}
}

func (o *Orchestrator) registrationConfig() registration.Config {
	return registration.Config{
		MaxIterations:             o.cfg.ICP.MaxIterations,
		Tolerance:                 o.cfg.ICP.Tolerance,
		MaxCorrespondenceDistance: o.cfg.Thresholds.Correspondence,
	}
}

// CompareClouds measures each source cloud against the target at the same index.
func (o *Orchestrator) CompareClouds(ctx context.Context, sources, targets []*geometry.PointCloud, opts distance.Options) (*ComparisonRun, error) {
	run := o.newComparisonRun(opts)
	results, err := distance.CompareClouds(ctx, sources, targets, opts)
	if err != nil {
		return nil, err
	}
	return o.finishComparison(ctx, run, results), nil
}

// CompareCloudsToMeshes measures each cloud against the mesh at the same index.
func (o *Orchestrator) CompareCloudsToMeshes(ctx context.Context, sources []*geometry.PointCloud, meshes []*geometry.Mesh, opts distance.Options) (*ComparisonRun, error) {
	run := o.newComparisonRun(opts)
	results, err := distance.CompareCloudsToMeshes(ctx, sources, meshes, opts)
	if err != nil {
		return nil, err
	}
	return o.finishComparison(ctx, run, results), nil
}

func (o *Orchestrator) newComparisonRun(opts distance.Options) *ComparisonRun {
	return &ComparisonRun{RunID: uuid.New(), Signed: opts.Signed, Swap: opts.Swap, StartedAt: o.now()}
}

func (o *Orchestrator) finishComparison(ctx context.Context, run *ComparisonRun, results *distance.Results) *ComparisonRun {
	run.Results = results
	run.FinishedAt = o.now()
	for i, r := range results.All() {
		o.logger.Infow("comparison", "run", run.RunID, "pair", i,
			"points", len(r.Distances), "rmse", r.RMSE, "max", r.Max, "min", r.Min, "std", r.Std)
	}
	for _, s := range o.sinks {
		if err := s.PublishComparison(ctx, run); err != nil {
			o.logger.Warnw("publishing comparison failed", "run", run.RunID, "error", err)
		}
	}
	return run
}

// Cluster splits a raw scan into clusters of similar normals.
func (o *Orchestrator) Cluster(scan *geometry.PointCloud) ([]*geometry.PointCloud, error) {
	return segmentation.SegmentByNormals(scan, segmentation.RegionOptions{
		AngleDegrees:   o.cfg.Regions.AngleDegrees,
		MinClusterSize: o.cfg.Regions.MinClusterSize,
		K:              o.cfg.Regions.K,
	})
}

func (o *Orchestrator) publishReport(ctx context.Context, r *Report) {
	r.FinishedAt = o.now()
	o.logger.Infow("run finished", "run", r.RunID, "kind", r.Kind, "assembly", r.Assembly,
		"joints", len(r.Joints), "beams", len(r.Beams), "warnings", len(r.Warnings), "unassigned", r.Unassigned)
	for _, s := range o.sinks {
		if err := s.PublishReport(ctx, r); err != nil {
			o.logger.Warnw("publishing report failed", "run", r.RunID, "error", err)
		}
	}
}

// newPool validates the segmentation inputs shared by every workflow.
func newPool(a *geometry.Assembly, clusters []*geometry.PointCloud) (*segmentation.Pool, error) {
	if a == nil {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "nil assembly")
	}
	pool, err := segmentation.NewPool(clusters)
	if err != nil {
		return nil, errors.Wrap(err, "scan clusters")
	}
	if pool.TotalPoints() == 0 {
		return nil, errors.Wrap(geometry.ErrInvalidInput, "no scan points")
	}
	return pool, nil
}
