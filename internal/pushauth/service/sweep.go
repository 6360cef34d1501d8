package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Sweep persists EXPIRED for pending challenges past their deadline and deletes finished challenges
// older than the retention window. Readers never depend on it; expiry is evaluated on every read.
func (e *Engine) Sweep(ctx context.Context) (expired, deleted int64, err error) {
	ctx, span := e.tracer.Start(ctx, "pushauth.Sweep")
	defer span.End()

	now := e.now()
	expired, err = e.challenges.MarkExpired(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("mark expired: %w", err)
	}
	deleted, err = e.challenges.DeleteFinishedBefore(ctx, now.Add(-e.cfg.Retention))
	if err != nil {
		span.RecordError(err)
		return expired, 0, fmt.Errorf("delete finished: %w", err)
	}
	e.metrics.countSwept(ctx, "expired", expired)
	e.metrics.countSwept(ctx, "deleted", deleted)
	if expired > 0 || deleted > 0 {
		e.log.Info("push auth sweep", zap.Int64("expired", expired), zap.Int64("deleted", deleted))
	}
	return expired, deleted, nil
}
