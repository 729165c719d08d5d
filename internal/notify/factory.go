package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagepod/internal/config"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const reachTimeout = 3 * time.Second

var errNoClient = errors.New("no client configured")

// Deps are the shared connections a transport may reuse.
type Deps struct {
	Redis   *redis.Client
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// New returns the transport selected by backend. If that transport cannot be
// reached now, it logs and returns a Disabled channel instead of failing, so
// the server still starts with immediate-return polling.
func New(ctx context.Context, backend string, deps Deps) Transport {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()

	switch backend {
	case config.NotifyBackendRedis:
		err := errNoClient
		if deps.Redis != nil {
			err = deps.Redis.Ping(pctx).Err()
		}
		if err != nil {
			logger.Warn("notification transport unavailable; long-polls will return immediately",
				"backend", backend, "error", err)
			return NewDisabled(deps.Metrics)
		}
		return NewRedisChannel(deps.Redis, logger, deps.Metrics)

	case config.NotifyBackendPostgres:
		err := errNoClient
		if deps.Pool != nil {
			err = deps.Pool.Ping(pctx)
		}
		if err != nil {
			logger.Warn("notification transport unavailable; long-polls will return immediately",
				"backend", backend, "error", err)
			return NewDisabled(deps.Metrics)
		}
		return NewPostgresChannel(deps.Pool, logger, deps.Metrics)

	default:
		return NewHub(deps.Metrics)
	}
}
