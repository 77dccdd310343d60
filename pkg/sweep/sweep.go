// Package sweep runs the fair-usage enforcement loop on a fixed
// interval.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radman/pkg/engine"
	"github.com/codelaboratoryltd/radman/pkg/metrics"
)

// Engine is the sweep's view of the policy engine.
type Engine interface {
	CheckFUPAndApplyLimit(ctx context.Context) ([]engine.FUPOutcome, error)
}

// Runner periodically invokes the FUP check.
type Runner struct {
	engine   Engine
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a sweep runner. A non-positive interval disables
// Start.
func NewRunner(eng Engine, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:   eng,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Start launches the background loop. The first sweep runs after one
// full interval. Calling Start on a running or disabled runner is a
// no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep and logs its outcome summary.
func (r *Runner) RunOnce(ctx context.Context) {
	start := time.Now()
	outcomes, err := r.engine.CheckFUPAndApplyLimit(ctx)
	if err != nil {
		r.logger.Error("fup sweep failed", zap.Error(err))
		return
	}
	r.metrics.RecordSweep(time.Since(start).Seconds())

	applied := 0
	for _, o := range outcomes {
		if o.Status == engine.StatusApplied {
			applied++
		}
	}
	r.logger.Info("fup sweep finished",
		zap.Int("over_quota", len(outcomes)),
		zap.Int("applied", applied),
		zap.Duration("took", time.Since(start)))
}
