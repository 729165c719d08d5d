package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	redisChannelPrefix = "executor:"
	publishTimeout     = 2 * time.Second
	resubscribeBackoff = time.Second
)

// RedisChannel fans notifications out across server instances over Redis
// pub/sub. Each instance subscribes to executor:* once and forwards messages
// to its local Hub.
type RedisChannel struct {
	client  *redis.Client
	hub     *Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
	ready   atomic.Bool
}

func NewRedisChannel(client *redis.Client, logger *slog.Logger, m *metrics.Metrics) *RedisChannel {
	return &RedisChannel{
		client:  client,
		hub:     NewHub(m),
		logger:  logger.With("component", "notify", "backend", "redis"),
		metrics: m,
	}
}

// RedisChannelName is the pub/sub channel carrying wake-ups for executorID.
func RedisChannelName(executorID uuid.UUID) string {
	return redisChannelPrefix + executorID.String()
}

// Notify publishes in the background so a slow Redis never stalls the caller.
func (c *RedisChannel) Notify(ctx context.Context, executorID uuid.UUID) {
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := c.client.Publish(pctx, RedisChannelName(executorID), "1").Err(); err != nil {
			c.logger.Warn("publish notification failed", "executor_id", executorID, "error", err)
			return
		}
		c.metrics.NotificationSent("redis")
	}()
}

// Wait returns false immediately until the subscription is established.
func (c *RedisChannel) Wait(ctx context.Context, executorID uuid.UUID, timeout time.Duration) bool {
	if !c.ready.Load() {
		if ClampTimeout(timeout) > 0 {
			c.metrics.WaitSkipped()
		}
		return false
	}
	return c.hub.Wait(ctx, executorID, timeout)
}

// Ready reports whether the subscription loop is currently attached.
func (c *RedisChannel) Ready() bool {
	return c.ready.Load()
}

// Run keeps a pattern subscription open until ctx is done, resubscribing
// after failures.
func (c *RedisChannel) Run(ctx context.Context) error {
	defer c.hub.Close()

	for ctx.Err() == nil {
		c.subscribeOnce(ctx)
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

func (c *RedisChannel) subscribeOnce(ctx context.Context) {
	pubsub := c.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("subscribe failed", "error", err)
		}
		return
	}
	c.ready.Store(true)
	c.logger.Info("subscribed", "pattern", redisChannelPrefix+"*")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			id, err := uuid.Parse(strings.TrimPrefix(msg.Channel, redisChannelPrefix))
			if err != nil {
				c.logger.Debug("ignoring message on unexpected channel", "channel", msg.Channel)
				continue
			}
			c.hub.Broadcast(id)
		}
	}
}

var _ Transport = (*RedisChannel)(nil)
