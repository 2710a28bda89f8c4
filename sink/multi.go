package sink

import (
	"context"

	"go.uber.org/multierr"

	"github.com/ibois-epfl/diffCheck/pipeline"
)

// Multi fans every run out to several sinks. Every sink is called even when
// an earlier one fails; the errors are combined.
type Multi []pipeline.Sink

// PublishComparison forwards to every sink.
func (m Multi) PublishComparison(ctx context.Context, run *pipeline.ComparisonRun) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.PublishComparison(ctx, run))
	}
	return err
}

// PublishReport forwards to every sink.
func (m Multi) PublishReport(ctx context.Context, report *pipeline.Report) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.PublishReport(ctx, report))
	}
	return err
}
