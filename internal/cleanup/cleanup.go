// Package cleanup implements CleanupWorker (SPEC_FULL.md §4.7): a single
// scheduled task sweeping expired one-time codes, shaped like the teacher's
// own background goroutines in main.go but generalized to a ticker with
// context-based shutdown instead of a bare for { time.Sleep(...) } loop.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is satisfied by *otp.Service.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

const (
	defaultPeriod = 5 * time.Minute
	retryBackoff  = 30 * time.Second
)

// Worker runs Sweeper.Sweep on a fixed period until its context is
// cancelled. Sweep is idempotent, so a retry after an error never
// double-processes anything.
type Worker struct {
	sweeper Sweeper
	period  time.Duration
	log     *zap.SugaredLogger
}

func New(sweeper Sweeper, period time.Duration, log *zap.SugaredLogger) *Worker {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Worker{sweeper: sweeper, period: period, log: log}
}

// Run blocks, sweeping every period, until ctx is cancelled. Intended to be
// started on its own goroutine from main.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	n, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.log.Errorw("otp sweep failed, retrying after backoff", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(retryBackoff):
			if n2, err2 := w.sweeper.Sweep(ctx); err2 != nil {
				w.log.Errorw("otp sweep retry failed", "error", err2)
			} else {
				w.log.Infow("otp sweep retry succeeded", "deleted", n2)
			}
		}
		return
	}
	if n > 0 {
		w.log.Infow("otp sweep completed", "deleted", n)
	}
}
