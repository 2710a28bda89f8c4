// Package store keeps the history of runs in sqlite and the latest report of
// each assembly in memory.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ibois-epfl/diffCheck/pipeline"
)

// KindComparison is the run kind of comparison batches.
const KindComparison = "comparison"

// ErrNotFound is returned by GetRun for an unknown id.
var ErrNotFound = errors.New("run not found")

// schema.sql creates the run history tables.
//
//go:embed schema.sql
var schemaSQL string

// Run is one stored run. Summary holds the JSON summary exactly as published.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Assembly   string          `json:"assembly,omitempty"`
	Warnings   int             `json:"warnings"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// Item is one comparison pair, joint or beam of a run. Name is unique within
// the run; Label carries the beam name, which need not be.
type Item struct {
	Name    string   `json:"name"`
	Label   string   `json:"label,omitempty"`
	Points  int      `json:"points"`
	Sanity  *int     `json:"sanity,omitempty"`
	RMSE    *float64 `json:"rmse,omitempty"`
	Warning string   `json:"warning,omitempty"`
}

// RunStore persists runs in a sqlite database.
type RunStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *zap.SugaredLogger) (*RunStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	// sqlite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	logger.Infow("initialized run store", "path", path)
	return &RunStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveComparison stores a comparison batch with one item per pair.
func (s *RunStore) SaveComparison(ctx context.Context, run *pipeline.ComparisonRun) error {
	summary := run.Summary()
	items := make([]Item, len(summary.Results))
	for i, r := range summary.Results {
		rmse := r.RMSE
		items[i] = Item{Name: strconv.Itoa(r.Index), Points: r.Points, RMSE: &rmse}
	}
	return s.save(ctx, Run{
		ID:         summary.RunID,
		Kind:       KindComparison,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}, summary, items)
}

// SaveReport stores a segmentation report with one item per joint or beam.
func (s *RunStore) SaveReport(ctx context.Context, report *pipeline.Report) error {
	summary := report.Summary()
	var items []Item
	for _, j := range summary.Joints {
		sanity, rmse := int(j.Sanity), j.RMSE
		items = append(items, Item{
			Name:    "joint/" + strconv.Itoa(j.ID),
			Points:  j.Points,
			Sanity:  &sanity,
			RMSE:    &rmse,
			Warning: j.Warning,
		})
	}
	for i, b := range summary.Beams {
		items = append(items, Item{
			Name:    "beam/" + strconv.Itoa(i),
			Label:   b.Name,
			Points:  b.Points,
			Warning: b.Warning,
		})
	}
	return s.save(ctx, Run{
		ID:         summary.RunID,
		Kind:       report.Kind,
		Assembly:   report.Assembly,
		Warnings:   len(report.Warnings),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}, summary, items)
}

// PublishComparison implements pipeline.Sink.
func (s *RunStore) PublishComparison(ctx context.Context, run *pipeline.ComparisonRun) error {
	return s.SaveComparison(ctx, run)
}

// PublishReport implements pipeline.Sink.
func (s *RunStore) PublishReport(ctx context.Context, report *pipeline.Report) error {
	return s.SaveReport(ctx, report)
}

func (s *RunStore) save(ctx context.Context, run Run, summary interface{}, items []Item) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "marshaling summary")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, kind, assembly, warnings, started_at, finished_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.Assembly, run.Warnings,
		run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), string(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %s", run.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_items WHERE run_id = ?`, run.ID); err != nil {
		return errors.Wrapf(err, "failed to clear items of run %s", run.ID)
	}
	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_items (run_id, item, label, points, sanity, rmse, warning)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, it.Name, it.Label, it.Points, it.Sanity, it.RMSE, it.Warning)
		if err != nil {
			return errors.Wrapf(err, "failed to insert item %s of run %s", it.Name, run.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing run")
	}
	s.logger.Debugw("stored run", "run", run.ID, "kind", run.Kind, "items", len(items))
	return nil
}

// ListRuns returns the most recent runs first, without their summaries.
// A non-positive limit returns every run.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, assembly, warnings, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Assembly, &r.Warnings, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		r.StartedAt, r.FinishedAt = fromNanos(started), fromNanos(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its summary.
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var started, finished int64
	var summary string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, assembly, warnings, started_at, finished_at, summary
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.Kind, &r.Assembly, &r.Warnings, &started, &finished, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	r.StartedAt, r.FinishedAt = fromNanos(started), fromNanos(finished)
	r.Summary = json.RawMessage(summary)
	return &r, nil
}

// Items returns the per-pair, per-joint or per-beam rows of a run in name order.
func (s *RunStore) Items(ctx context.Context, id string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item, label, points, sanity, rmse, warning
		FROM run_items WHERE run_id = ?
		ORDER BY item
	`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list items of run %s", id)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var sanity sql.NullInt64
		var rmse sql.NullFloat64
		if err := rows.Scan(&it.Name, &it.Label, &it.Points, &sanity, &rmse, &it.Warning); err != nil {
			return nil, errors.Wrap(err, "scanning item")
		}
		if sanity.Valid {
			v := int(sanity.Int64)
			it.Sanity = &v
		}
		if rmse.Valid {
			v := rmse.Float64
			it.RMSE = &v
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
