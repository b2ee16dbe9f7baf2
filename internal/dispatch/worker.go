package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mediaforge/internal/logging"
	"mediaforge/internal/services"
)

func (m *Manager) runWorker(ctx context.Context, workerID string) {
	defer m.wg.Done()
	ctx = services.WithWorker(ctx, workerID)
	logger := m.logger.With(logging.String(logging.FieldWorker, workerID))

	idle := m.cfg.PollInterval()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := m.queue.Claim(ctx, workerID, m.visibility())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleClaimError(ctx, logger, err)
			continue
		}
		if lease == nil {
			m.waitOrShutdown(ctx, idle)
			idle = nextPollInterval(idle, m.cfg.PollMaxInterval())
			continue
		}
		idle = m.cfg.PollInterval()

		if err := m.handle(ctx, workerID, lease); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
		}
	}
}

func (m *Manager) handleClaimError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to claim unit",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_claim_failed"),
		logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
	)
	m.waitOrShutdown(ctx, m.cfg.ErrorRetryInterval())
}

func (m *Manager) waitOrShutdown(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// nextPollInterval doubles the idle wait up to limit.
func nextPollInterval(current, limit time.Duration) time.Duration {
	next := current * 2
	if limit > 0 && next > limit {
		return limit
	}
	return next
}
