package settlement

import (
	"context"
	"fmt"
	"time"

	"soundslice/logger"
	"soundslice/model"
)

// Summary reports one reconciliation pass.
type Summary struct {
	Scanned   int `json:"scanned"`
	Finalized int `json:"finalized"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// closed is handed to drive by the reconciler so it skips records that
// another owner is actively working on instead of waiting for them.
var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Reconcile drives stale non-terminal records (no live lease, untouched for
// longer than the grace period) to a terminal state.
func (e *Engine) Reconcile(ctx context.Context) (Summary, error) {
	var sum Summary
	now := e.opts.Now()
	stale, err := e.reuses.ListStale(ctx, now.Add(-e.opts.ReconcileGrace), now, e.opts.ReconcileBatch)
	if err != nil {
		return sum, fmt.Errorf("list stale records: %w", err)
	}

	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++
		logger.Info("reconciling reuse record", logger.RecordID(rec.ID), logger.String("status", string(rec.Status)))

		final, err := e.drive(ctx, rec.ID, closed)
		if err != nil {
			sum.Errors++
			logger.Error("reconcile record failed", logger.RecordID(rec.ID), logger.ErrorField(err))
			continue
		}
		switch final.Status {
		case model.ReuseStatusFinalized:
			sum.Finalized++
		case model.ReuseStatusFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}

	if sum.Scanned > 0 {
		logger.Info("reconcile pass done",
			logger.Int("scanned", sum.Scanned),
			logger.Int("finalized", sum.Finalized),
			logger.Int("failed", sum.Failed),
			logger.Int("pending", sum.Pending),
			logger.Int("errors", sum.Errors))
	}
	return sum, nil
}

// RunReconciler calls Reconcile once at start, so records left behind by a
// previous process are picked up, then every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	pass := func() {
		if _, err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconcile pass failed", logger.ErrorField(err))
		}
	}
	pass()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			pass()
		}
	}
}
