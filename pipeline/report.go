package pipeline

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ibois-epfl/diffCheck/distance"
	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/registration"
)

// Report kinds.
const (
	KindJoints = "joints"
	KindBeams  = "beams"
)

// JointResult is the per-joint output of SegmentJoints.
type JointResult struct {
	ID    int
	State JointState
	// Reference is the dense cloud sampled from the joint faces.
	Reference *geometry.PointCloud
	// Segment holds the matched scan points, tagged with the sanity code.
	Segment *geometry.PointCloud
	// FaceSegments holds the matched points per joint face, registered onto
	// the reference and tagged with the sanity code. Nil when registration failed.
	FaceSegments []*geometry.PointCloud
	Transform    geometry.Transform
	Registration registration.Result
	// Coverage is the share of the reference within the distance threshold
	// of the registered segment.
	Coverage     registration.Evaluation
	Displacement float64
	Sanity       SanityCode
	Warning      string
}

// BeamResult is the per-beam output of SegmentBeams.
type BeamResult struct {
	Name string
	// Segment holds every scan point matched to the beam's side faces; nil
	// when none matched.
	Segment      *geometry.PointCloud
	FaceSegments []*geometry.PointCloud
	Warning      string
}

// Report is the outcome of one segmentation run over an assembly.
type Report struct {
	RunID      uuid.UUID
	Kind       string
	Assembly   string
	Joints     []JointResult
	Beams      []BeamResult
	Warnings   []string
	Unassigned int // scan points left in the pool
	// Alignment is set when the clusters came from a globally registered scan.
	Alignment  *Alignment
	StartedAt  time.Time
	FinishedAt time.Time

	errs error
}

// SegmentOption configures one segmentation run.
type SegmentOption func(*Report)

// WithAlignment records the alignment that produced the clusters.
func WithAlignment(al *Alignment) SegmentOption {
	return func(r *Report) { r.Alignment = al }
}

func newReport(kind, assembly string, now time.Time, opts []SegmentOption) *Report {
	r := &Report{RunID: uuid.New(), Kind: kind, Assembly: assembly, StartedAt: now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Report) warn(err error) {
	r.Warnings = append(r.Warnings, err.Error())
	r.errs = multierr.Append(r.errs, err)
}

// Err combines every warning of the run, or returns nil when there were none.
func (r *Report) Err() error {
	return r.errs
}

// ComparisonRun is the outcome of one batch of cloud or mesh comparisons.
type ComparisonRun struct {
	RunID      uuid.UUID
	Results    *distance.Results
	Signed     bool
	Swap       bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// JointSummary is the exported form of a JointResult.
type JointSummary struct {
	ID           int                `json:"id"`
	State        JointState         `json:"state"`
	Sanity       SanityCode         `json:"sanity"`
	Displacement float64            `json:"displacement"`
	Points       int                `json:"points"`
	Faces        []int              `json:"faces"`
	Transform    geometry.Transform `json:"transform"`
	Rotation     float64            `json:"rotation"`    // radians
	Translation  float64            `json:"translation"` // model units
	RMSE         float64            `json:"rmse"`
	Fitness      float64            `json:"fitness"`
	Coverage     float64            `json:"coverage"`
	Warning      string             `json:"warning,omitempty"`
}

// AlignmentSummary is the exported form of an Alignment.
type AlignmentSummary struct {
	Transform   geometry.Transform `json:"transform"`
	Rotation    float64            `json:"rotation"`
	Translation float64            `json:"translation"`
	Hypotheses  int                `json:"hypotheses"`
	Fitness     float64            `json:"fitness"`
	RMSE        float64            `json:"rmse"`
	Coverage    float64            `json:"coverage"`
}

// Summary returns the alignment without the per-stage results.
func (a *Alignment) Summary() *AlignmentSummary {
	if a == nil {
		return nil
	}
	rmse := a.Refined.RMSE
	if a.Refined.Iterations == 0 {
		rmse = a.Coarse.RMSE
	}
	return &AlignmentSummary{
		Transform:   a.Transform,
		Rotation:    a.Transform.RotationAngle(),
		Translation: a.Transform.TranslationNorm(),
		Hypotheses:  a.Coarse.Hypotheses,
		Fitness:     a.Coarse.Fitness,
		RMSE:        rmse,
		Coverage:    a.Coverage.Fitness,
	}
}

// BeamSummary is the exported form of a BeamResult.
type BeamSummary struct {
	Name    string `json:"name"`
	Points  int    `json:"points"`
	Faces   []int  `json:"faces"`
	Warning string `json:"warning,omitempty"`
}

// ReportSummary is the exported form of a Report, without point data.
type ReportSummary struct {
	RunID      string            `json:"runId"`
	Kind       string            `json:"kind"`
	Assembly   string            `json:"assembly"`
	Joints     []JointSummary    `json:"joints,omitempty"`
	Beams      []BeamSummary     `json:"beams,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Unassigned int               `json:"unassigned"`
	Alignment  *AlignmentSummary `json:"alignment,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

func facePointCounts(faces []*geometry.PointCloud) []int {
	out := make([]int, len(faces))
	for i, f := range faces {
		out[i] = f.Len()
	}
	return out
}

// Summary returns the report without point data.
func (r *Report) Summary() ReportSummary {
	s := ReportSummary{
		RunID:      r.RunID.String(),
		Kind:       r.Kind,
		Assembly:   r.Assembly,
		Warnings:   append([]string(nil), r.Warnings...),
		Unassigned: r.Unassigned,
		Alignment:  r.Alignment.Summary(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, j := range r.Joints {
		s.Joints = append(s.Joints, JointSummary{
			ID:           j.ID,
			State:        j.State,
			Sanity:       j.Sanity,
			Displacement: j.Displacement,
			Points:       j.Segment.Len(),
			Faces:        facePointCounts(j.FaceSegments),
			Transform:    j.Transform,
			Rotation:     j.Transform.RotationAngle(),
			Translation:  j.Transform.TranslationNorm(),
			RMSE:         j.Registration.RMSE,
			Fitness:      j.Registration.Fitness,
			Coverage:     j.Coverage.Fitness,
			Warning:      j.Warning,
		})
	}
	for _, b := range r.Beams {
		s.Beams = append(s.Beams, BeamSummary{
			Name:    b.Name,
			Points:  b.Segment.Len(),
			Faces:   facePointCounts(b.FaceSegments),
			Warning: b.Warning,
		})
	}
	return s
}

// ComparisonSummary is the exported form of a ComparisonRun.
type ComparisonSummary struct {
	RunID      string             `json:"runId"`
	Signed     bool               `json:"signed"`
	Swap       bool               `json:"swap"`
	Results    []distance.Summary `json:"results"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// Summary returns the run's statistics without per-point distances.
func (c *ComparisonRun) Summary() ComparisonSummary {
	return ComparisonSummary{
		RunID:      c.RunID.String(),
		Signed:     c.Signed,
		Swap:       c.Swap,
		Results:    c.Results.Summaries(),
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
	}
}
