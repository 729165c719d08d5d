// Package notify wakes long-poll requests blocked on an executor when
// something changed for it. Delivery is best-effort: a signal with no
// current waiter is dropped, and waiters always re-read state afterwards.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
)

// MaxWait is the hard upper bound on a single Wait.
const MaxWait = 60 * time.Second

// Channel is the per-executor wake-up primitive.
type Channel interface {
	// Notify signals every current waiter for executorID. It never blocks on
	// delivery.
	Notify(ctx context.Context, executorID uuid.UUID)
	// Wait blocks until a notification for executorID arrives, timeout
	// elapses, or ctx is done. It reports whether a notification arrived.
	Wait(ctx context.Context, executorID uuid.UUID, timeout time.Duration) bool
}

// Transport is a Channel that may need a background loop to receive
// notifications from other instances. Run blocks until ctx is done and
// wakes all waiters before returning.
type Transport interface {
	Channel
	Run(ctx context.Context) error
}

// ClampTimeout bounds timeout to [0, MaxWait].
func ClampTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 0
	}
	if timeout > MaxWait {
		return MaxWait
	}
	return timeout
}

// await blocks on ch for at most timeout and records the outcome.
func await(ctx context.Context, ch <-chan struct{}, timeout time.Duration, m *metrics.Metrics) bool {
	done := m.WaitStarted()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		done(metrics.WaitNotified)
		return true
	case <-timer.C:
		done(metrics.WaitTimeout)
		return false
	case <-ctx.Done():
		done(metrics.WaitCancelled)
		return false
	}
}
