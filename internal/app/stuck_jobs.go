package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// Requeuer re-enqueues a job found stuck in processing.
type Requeuer interface {
	RequeueStuck(ctx context.Context, id string) error
}

// StuckJobSweeper periodically finds jobs whose processing state stopped
// advancing (typically after a crash) and hands them back to the queue.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	queue            Requeuer
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs the sweeper; nil when jobs is nil.
func NewStuckJobSweeper(jobs domain.JobRepository, queue Requeuer, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		queue:            queue,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps on a ticker until the context ends.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().Add(-s.maxProcessingAge)
	ids, err := s.jobs.ListStuckProcessing(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	requeued := 0
	for _, id := range ids {
		if err := s.queue.RequeueStuck(ctx, id); err != nil {
			slog.Error("stuck job requeue failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(ids)),
		attribute.Int("jobs.total_requeued", requeued),
	)
	if requeued > 0 {
		slog.Warn("stuck jobs requeued", slog.Int("count", requeued))
	}
}
