package worker

import (
	"context"
	"log/slog"
	"time"
)

// Job is one periodic maintenance task. Run returns how many rows it
// affected so the loop can log quiet ticks at debug level only.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Runner drives jobs on fixed tickers until the context is cancelled. Each
// job also fires once immediately so a restart never waits a full interval.
type Runner struct {
	log *slog.Logger
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

func (r *Runner) Loop(ctx context.Context, job Job) error {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.tick(ctx, job)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker stopped", slog.String("job", job.Name))
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job) {
	n, err := job.Run(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		r.log.Error("worker tick failed", slog.String("job", job.Name), slog.String("error", err.Error()))
	case n > 0:
		r.log.Info("worker tick", slog.String("job", job.Name), slog.Int("affected", n))
	default:
		r.log.Debug("worker tick idle", slog.String("job", job.Name))
	}
}
