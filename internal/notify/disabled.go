package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
)

// Disabled is the fallback used when the configured transport cannot be
// reached. Waits return immediately, turning long-polls into plain polls.
type Disabled struct {
	metrics *metrics.Metrics
}

func NewDisabled(m *metrics.Metrics) *Disabled {
	return &Disabled{metrics: m}
}

func (d *Disabled) Notify(context.Context, uuid.UUID) {}

func (d *Disabled) Wait(context.Context, uuid.UUID, time.Duration) bool {
	d.metrics.WaitSkipped()
	return false
}

func (d *Disabled) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

var _ Transport = (*Disabled)(nil)
