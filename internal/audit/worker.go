package audit

import (
	"context"
	"time"
)

// RunRetry resubmits buffered entries until ctx is cancelled.
func (t *Trail) RunRetry(ctx context.Context) error {
	interval := t.retry.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.Flush(ctx); err != nil && ctx.Err() == nil {
				t.logger.WarnContext(ctx, "audit retry pass failed", "error", err)
			}
		}
	}
}

// Flush makes one pass over due entries and returns how many committed.
// The worker is the breaker probe: its outcomes open and close the circuit.
func (t *Trail) Flush(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := t.store.Due(ctx, now, defaultBatchSize)
	if err != nil {
		return 0, err
	}

	committed := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return committed, ctx.Err()
		}
		subCtx, cancel := context.WithTimeout(ctx, t.submitTimeout)
		ok, err := t.deliver(subCtx, e)
		cancel()

		switch {
		case err != nil:
			t.breaker.RecordFailure()
			t.metrics.incSubmit("retry", "failed")
			t.scheduleRetry(ctx, e, e.SubmitAttempts+1, now)
		case ok:
			t.breaker.RecordSuccess()
			t.metrics.incSubmit("retry", "committed")
			committed++
		default:
			// Accepted but not yet in a block; check again after the normal backoff.
			t.breaker.RecordSuccess()
			t.metrics.incSubmit("retry", "pending")
			t.scheduleRetry(ctx, e, e.SubmitAttempts+1, now)
		}
	}

	if pending, abandoned, err := t.store.Backlog(ctx); err == nil {
		t.metrics.setBacklog(pending, abandoned)
	}
	if committed > 0 {
		t.logger.InfoContext(ctx, "audit entries committed by retry worker", "count", committed)
	}
	return committed, nil
}
