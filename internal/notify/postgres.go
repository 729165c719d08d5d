package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
)

// PostgresChannelName is the LISTEN/NOTIFY channel; the payload is the
// executor ID.
const PostgresChannelName = "executor_updates"

// PostgresChannel fans notifications out across server instances with
// LISTEN/NOTIFY, for deployments without Redis. One pooled connection per
// instance is dedicated to LISTEN while Run is active.
type PostgresChannel struct {
	pool    *pgxpool.Pool
	hub     *Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
	ready   atomic.Bool
}

func NewPostgresChannel(pool *pgxpool.Pool, logger *slog.Logger, m *metrics.Metrics) *PostgresChannel {
	return &PostgresChannel{
		pool:    pool,
		hub:     NewHub(m),
		logger:  logger.With("component", "notify", "backend", "postgres"),
		metrics: m,
	}
}

func (c *PostgresChannel) Notify(ctx context.Context, executorID uuid.UUID) {
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if _, err := c.pool.Exec(nctx, `SELECT pg_notify($1::text, $2::text)`,
			PostgresChannelName, executorID.String()); err != nil {
			c.logger.Warn("pg_notify failed", "executor_id", executorID, "error", err)
			return
		}
		c.metrics.NotificationSent("postgres")
	}()
}

// Wait returns false immediately until LISTEN is established.
func (c *PostgresChannel) Wait(ctx context.Context, executorID uuid.UUID, timeout time.Duration) bool {
	if !c.ready.Load() {
		if ClampTimeout(timeout) > 0 {
			c.metrics.WaitSkipped()
		}
		return false
	}
	return c.hub.Wait(ctx, executorID, timeout)
}

// Ready reports whether LISTEN is currently active.
func (c *PostgresChannel) Ready() bool {
	return c.ready.Load()
}

// Run holds a LISTEN connection until ctx is done, reconnecting after
// failures.
func (c *PostgresChannel) Run(ctx context.Context) error {
	defer c.hub.Close()

	for ctx.Err() == nil {
		if err := c.listenOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("listen loop failed", "error", err)
		}
		c.ready.Store(false)

		timer := time.NewTimer(resubscribeBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return nil
}

func (c *PostgresChannel) listenOnce(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	quoted := pgx.Identifier{PostgresChannelName}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := conn.Exec(uctx, "UNLISTEN "+quoted); err != nil {
			// Drop the connection rather than return it to the pool still listening.
			conn.Conn().Close(uctx)
		}
	}()

	c.ready.Store(true)
	c.logger.Info("listening", "channel", PostgresChannelName)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(n.Payload)
		if err != nil {
			c.logger.Debug("ignoring notification with bad payload", "payload", n.Payload)
			continue
		}
		c.hub.Broadcast(id)
	}
}

var _ Transport = (*PostgresChannel)(nil)
