package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ibois-epfl/diffCheck/pipeline"
)

// Tracker keeps the latest report of every assembly, per report kind, and
// the latest comparison batch. Getters return copies.
type Tracker struct {
	mu         sync.RWMutex
	reports    map[string]map[string]pipeline.ReportSummary // assembly -> kind -> summary
	comparison *pipeline.ComparisonSummary
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{reports: make(map[string]map[string]pipeline.ReportSummary)}
}

// PublishComparison records run as the latest comparison batch.
func (t *Tracker) PublishComparison(_ context.Context, run *pipeline.ComparisonRun) error {
	s := run.Summary()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comparison = &s
	return nil
}

// PublishReport records report as the latest of its kind for its assembly.
func (t *Tracker) PublishReport(_ context.Context, report *pipeline.Report) error {
	s := report.Summary()
	t.mu.Lock()
	defer t.mu.Unlock()
	byKind, ok := t.reports[report.Assembly]
	if !ok {
		byKind = make(map[string]pipeline.ReportSummary)
		t.reports[report.Assembly] = byKind
	}
	byKind[report.Kind] = s
	return nil
}

// Latest returns the latest report of each kind for assembly.
func (t *Tracker) Latest(assembly string) (map[string]pipeline.ReportSummary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKind, ok := t.reports[assembly]
	if !ok {
		return nil, false
	}
	out := make(map[string]pipeline.ReportSummary, len(byKind))
	for k, s := range byKind {
		out[k] = copySummary(s)
	}
	return out, true
}

// LatestComparison returns the most recent comparison batch.
func (t *Tracker) LatestComparison() (pipeline.ComparisonSummary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.comparison == nil {
		return pipeline.ComparisonSummary{}, false
	}
	s := *t.comparison
	s.Results = append(s.Results[:0:0], s.Results...)
	return s, true
}

// Assemblies returns the names of every tracked assembly, sorted.
func (t *Tracker) Assemblies() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.reports))
	for name := range t.reports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copySummary(s pipeline.ReportSummary) pipeline.ReportSummary {
	s.Warnings = append(s.Warnings[:0:0], s.Warnings...)
	if s.Joints != nil {
		joints := make([]pipeline.JointSummary, len(s.Joints))
		for i, j := range s.Joints {
			j.Faces = append(j.Faces[:0:0], j.Faces...)
			joints[i] = j
		}
		s.Joints = joints
	}
	if s.Beams != nil {
		beams := make([]pipeline.BeamSummary, len(s.Beams))
		for i, b := range s.Beams {
			b.Faces = append(b.Faces[:0:0], b.Faces...)
			beams[i] = b
		}
		s.Beams = beams
	}
	return s
}
