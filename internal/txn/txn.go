// Package txn runs multi-step operations over a store without native
// transactions. Each step registers its undo before the next step starts; when a
// later step fails the registered undos run in reverse order.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/metrics"
)

type Step struct {
	Name string
	Do   func(ctx context.Context) error
	// Undo reverses a successful Do. Nil means the step has nothing to reverse.
	Undo func(ctx context.Context) error
}

type Runner struct {
	logger       *zap.Logger
	undoAttempts int
	backoff      time.Duration
}

func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		logger:       logging.OrNop(logger),
		undoAttempts: 3,
		backoff:      20 * time.Millisecond,
	}
}

// WithUndoRetry sets how often a failing undo is attempted and the pause between
// attempts.
func (r *Runner) WithUndoRetry(attempts int, backoff time.Duration) *Runner {
	if attempts < 1 {
		attempts = 1
	}
	dup := *r
	dup.undoAttempts = attempts
	dup.backoff = backoff
	return &dup
}

// Run executes the steps in order. The error of the failing step is returned
// unchanged when the rollback succeeds. When an undo keeps failing the result
// also wraps domain.ErrCompensationFailed.
func (r *Runner) Run(ctx context.Context, op string, steps ...Step) error {
	done := make([]Step, 0, len(steps))
	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			r.logger.Warn("step failed, rolling back",
				zap.String("op", op),
				zap.String("step", step.Name),
				zap.Int("completed_steps", len(done)),
				zap.Error(err))
			if rbErr := r.rollback(ctx, op, done); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
		done = append(done, step)
	}
	return nil
}

func (r *Runner) rollback(ctx context.Context, op string, done []Step) error {
	// Compensation must finish even when the caller gave up.
	ctx = context.WithoutCancel(ctx)

	var failed []error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Undo == nil {
			continue
		}
		if err := r.undo(ctx, step); err != nil {
			metrics.CompensationsTotal.WithLabelValues("failed").Inc()
			r.logger.Error("compensation failed, state needs manual reconciliation",
				zap.String("op", op),
				zap.String("step", step.Name),
				zap.Error(err))
			failed = append(failed, fmt.Errorf("undo %s: %w", step.Name, err))
			continue
		}
		metrics.CompensationsTotal.WithLabelValues("succeeded").Inc()
		r.logger.Info("step compensated", zap.String("op", op), zap.String("step", step.Name))
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrCompensationFailed, errors.Join(failed...))
}

func (r *Runner) undo(ctx context.Context, step Step) error {
	var err error
	for attempt := 1; attempt <= r.undoAttempts; attempt++ {
		if err = step.Undo(ctx); err == nil {
			return nil
		}
		if attempt < r.undoAttempts && r.backoff > 0 {
			time.Sleep(time.Duration(attempt) * r.backoff)
		}
	}
	return err
}
