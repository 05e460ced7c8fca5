package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/ingest"
	"github.com/clearpath-health/dcal/pkg/publish"
)

// Consumer drives the pipeline from the claims.submitted topic with
// offset-commit discipline: an offset is committed only after its claim
// reached a terminal outcome. Parked claims and transient failures leave
// the offset alone and are redelivered. Intake never halts on degradation;
// the pipeline's degraded executors decide what happens to each claim.
type Consumer struct {
	source   broker.Source
	pipeline *Pipeline
	// retryPause is the backoff after a transient processing failure.
	retryPause time.Duration
	logger     *slog.Logger
}

// NewConsumer wires a pipeline to its source.
func NewConsumer(source broker.Source, p *Pipeline) *Consumer {
	return &Consumer{
		source:     source,
		pipeline:   p,
		retryPause: time.Second,
		logger:     slog.Default().With("component", "consumer"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("pipeline: fetch: %w", err)
		}

		outcome, err := c.pipeline.Process(ctx, msg.Value)
		switch {
		case errors.Is(err, ErrParked):
			c.logger.Warn("claim parked for redelivery", "offset", msg.Offset)
			if !sleep(ctx, c.retryPause) {
				return nil
			}
			continue
		case errors.Is(err, ingest.ErrRateLimited):
			c.logger.Warn("admission rate limited, backing off",
				"offset", msg.Offset, "code", publish.ErrCodeRateLimited)
			if !sleep(ctx, c.retryPause) {
				return nil
			}
			continue
		case err != nil:
			c.logger.Warn("transient processing failure, will redeliver",
				"offset", msg.Offset, "error", err)
			if !sleep(ctx, c.retryPause) {
				return nil
			}
			continue
		}

		if err := c.source.Commit(ctx, msg.Partition, msg.Offset); err != nil {
			return fmt.Errorf("pipeline: commit: %w", err)
		}
		c.logger.Debug("offset committed", "offset", msg.Offset, "state", outcome.State)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
