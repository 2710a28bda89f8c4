package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ibois-epfl/diffCheck/distance"
	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/pipeline"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func jointReport(assembly string, started time.Time) *pipeline.Report {
	seg := &geometry.PointCloud{Points: []geometry.Point3{{}, {X: 1}, {Y: 1}}}
	return &pipeline.Report{
		RunID:    uuid.New(),
		Kind:     pipeline.KindJoints,
		Assembly: assembly,
		Joints: []pipeline.JointResult{
			{ID: 0, State: pipeline.StateDone, Segment: seg, FaceSegments: []*geometry.PointCloud{seg},
				Transform: geometry.Identity(), Sanity: pipeline.SanityDisplaced},
			{ID: 3, State: pipeline.StateCenterChecked, Sanity: pipeline.SanityNoPoints,
				Transform: geometry.Identity(), Warning: "no scan points matched"},
		},
		Warnings:   []string{"joint 3: no scan points matched"},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
}

func comparisonRun(t *testing.T, started time.Time) *pipeline.ComparisonRun {
	t.Helper()
	c := &geometry.PointCloud{Points: []geometry.Point3{{}, {X: 1}}}
	results := &distance.Results{}
	_, err := results.Add(distance.CloudGeometry(c), distance.CloudGeometry(c), []float64{3, 4})
	require.NoError(t, err)
	return &pipeline.ComparisonRun{RunID: uuid.New(), Results: results, StartedAt: started, FinishedAt: started}
}

func TestRunStore_SaveAndGetReport(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := jointReport("frame", t0)
	require.NoError(t, s.PublishReport(ctx, r))

	got, err := s.GetRun(ctx, r.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, pipeline.KindJoints, got.Kind)
	assert.Equal(t, "frame", got.Assembly)
	assert.Equal(t, 1, got.Warnings)
	assert.True(t, got.StartedAt.Equal(t0))

	var summary pipeline.ReportSummary
	require.NoError(t, json.Unmarshal(got.Summary, &summary))
	require.Len(t, summary.Joints, 2)
	assert.Equal(t, pipeline.StateDone, summary.Joints[0].State)
	assert.Equal(t, []int{3}, summary.Joints[0].Faces)

	items, err := s.Items(ctx, r.RunID.String())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "joint/0", items[0].Name)
	assert.Equal(t, 3, items[0].Points)
	require.NotNil(t, items[0].Sanity)
	assert.Equal(t, int(pipeline.SanityDisplaced), *items[0].Sanity)
	assert.Equal(t, "no scan points matched", items[1].Warning)
}

func TestRunStore_SaveTwiceReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := jointReport("frame", t0)
	require.NoError(t, s.SaveReport(ctx, r))
	r.Joints = r.Joints[:1]
	require.NoError(t, s.SaveReport(ctx, r))

	items, err := s.Items(ctx, r.RunID.String())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRunStore_BeamsWithSharedNames(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := &pipeline.Report{
		RunID:    uuid.New(),
		Kind:     pipeline.KindBeams,
		Assembly: "frame",
		Beams: []pipeline.BeamResult{
			{Name: "post"},
			{Name: "post", Warning: "no scan points matched"},
			{Name: "rafter/#1"},
		},
		StartedAt:  t0,
		FinishedAt: t0,
	}
	require.NoError(t, s.SaveReport(ctx, r))

	items, err := s.Items(ctx, r.RunID.String())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"beam/0", "beam/1", "beam/2"}, []string{items[0].Name, items[1].Name, items[2].Name})
	assert.Equal(t, []string{"post", "post", "rafter/#1"}, []string{items[0].Label, items[1].Label, items[2].Label})
	assert.Equal(t, "no scan points matched", items[1].Warning)
}

func TestRunStore_Comparison(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := comparisonRun(t, t0)
	require.NoError(t, s.PublishComparison(ctx, run))

	got, err := s.GetRun(ctx, run.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, KindComparison, got.Kind)
	assert.Empty(t, got.Assembly)

	items, err := s.Items(ctx, run.RunID.String())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].RMSE)
	assert.InDelta(t, 3.5355339059, *items[0].RMSE, 1e-9)
	assert.Nil(t, items[0].Sanity)
}

func TestRunStore_ListRuns(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	older := jointReport("frame", t0)
	newer := comparisonRun(t, t0.Add(time.Hour))
	require.NoError(t, s.SaveReport(ctx, older))
	require.NoError(t, s.SaveComparison(ctx, newer))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.RunID.String(), runs[0].ID)
	assert.Equal(t, older.RunID.String(), runs[1].ID)
	assert.Nil(t, runs[0].Summary)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunStore_GetRunNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	r := jointReport("frame", t0)
	require.NoError(t, s.SaveReport(context.Background(), r))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetRun(context.Background(), r.RunID.String())
	assert.NoError(t, err)
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	_, ok := tr.Latest("frame")
	assert.False(t, ok)
	_, ok = tr.LatestComparison()
	assert.False(t, ok)

	first := jointReport("frame", t0)
	second := jointReport("frame", t0.Add(time.Minute))
	beams := &pipeline.Report{RunID: uuid.New(), Kind: pipeline.KindBeams, Assembly: "frame"}
	require.NoError(t, tr.PublishReport(ctx, first))
	require.NoError(t, tr.PublishReport(ctx, second))
	require.NoError(t, tr.PublishReport(ctx, beams))
	require.NoError(t, tr.PublishReport(ctx, jointReport("roof", t0)))

	latest, ok := tr.Latest("frame")
	require.True(t, ok)
	assert.Equal(t, second.RunID.String(), latest[pipeline.KindJoints].RunID)
	assert.Equal(t, beams.RunID.String(), latest[pipeline.KindBeams].RunID)
	assert.Equal(t, []string{"frame", "roof"}, tr.Assemblies())

	// Mutating a returned summary must not leak into the tracker.
	latest[pipeline.KindJoints].Joints[0].Faces[0] = 99
	again, _ := tr.Latest("frame")
	assert.Equal(t, 3, again[pipeline.KindJoints].Joints[0].Faces[0])

	run := comparisonRun(t, t0)
	require.NoError(t, tr.PublishComparison(ctx, run))
	cs, ok := tr.LatestComparison()
	require.True(t, ok)
	assert.Equal(t, run.RunID.String(), cs.RunID)
}
