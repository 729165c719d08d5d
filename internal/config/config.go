package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	NotifyBackendMemory   = "memory"
	NotifyBackendRedis    = "redis"
	NotifyBackendPostgres = "postgres"

	// hardMaxWait is the ceiling for LONGPOLL_MAX_WAIT_SECS.
	hardMaxWait = 60 * time.Second
)

// Config holds all configuration for the ImagePod dispatch server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Notify    NotifyConfig
	RateLimit RateLimitConfig
	Executor  ExecutorConfig
	Reaper    ReaperConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type NotifyConfig struct {
	Backend string
	MaxWait time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type ExecutorConfig struct {
	HeartbeatInterval time.Duration
}

type ReaperConfig struct {
	JobMaxRuntime time.Duration
	Interval      time.Duration
}

var validStoreBackends = map[string]bool{
	StoreBackendPostgres: true,
	StoreBackendMemory:   true,
}

var validNotifyBackends = map[string]bool{
	NotifyBackendMemory:   true,
	NotifyBackendRedis:    true,
	NotifyBackendPostgres: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment take precedence over it.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("IMAGEPOD_PORT", 8080),
			Env:  envString("IMAGEPOD_ENV", "development"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(envString("STORE_BACKEND", StoreBackendPostgres)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Notify: NotifyConfig{
			Backend: strings.ToLower(envString("NOTIFY_BACKEND", NotifyBackendMemory)),
			MaxWait: envDurationSecs("LONGPOLL_MAX_WAIT_SECS", hardMaxWait),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Executor: ExecutorConfig{
			HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Reaper: ReaperConfig{
			JobMaxRuntime: envDuration("JOB_MAX_RUNTIME", 0),
			Interval:      envDuration("REAPER_INTERVAL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStoreBackends[c.Store.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}
	if !validNotifyBackends[c.Notify.Backend] {
		return fmt.Errorf("NOTIFY_BACKEND must be one of memory, redis, postgres; got %q", c.Notify.Backend)
	}

	if c.Store.Backend == StoreBackendPostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Notify.Backend == NotifyBackendPostgres && c.Store.Backend != StoreBackendPostgres {
		return fmt.Errorf("NOTIFY_BACKEND postgres requires STORE_BACKEND postgres")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Notify.MaxWait < 0 || c.Notify.MaxWait > hardMaxWait {
		return fmt.Errorf("LONGPOLL_MAX_WAIT_SECS must be between 0 and 60, got %v", c.Notify.MaxWait.Seconds())
	}
	if c.Executor.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Reaper.JobMaxRuntime < 0 {
		return fmt.Errorf("JOB_MAX_RUNTIME must not be negative")
	}
	if c.Reaper.JobMaxRuntime > 0 && c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive when JOB_MAX_RUNTIME is set")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
