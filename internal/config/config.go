package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the pipeline consumes from the environment.
type Config struct {
	AppEnv     string `env:"PIXEL_ENV" envDefault:"dev"`
	ListenAddr string `env:"PIXEL_LISTEN_ADDR" envDefault:":8080"`

	// Storage. Empty DSN selects the in-memory record store (dev/test).
	PostgresDSN string `env:"PIXEL_POSTGRES_DSN"`

	// Queue backend: memory or redis.
	QueueBackend  string `env:"PIXEL_QUEUE_BACKEND" envDefault:"memory"`
	RedisAddr     string `env:"PIXEL_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"PIXEL_REDIS_PASSWORD"`

	// Per-queue worker counts, e.g. "builds=3,maintenance=1".
	QueueConcurrency string `env:"PIXEL_QUEUE_CONCURRENCY" envDefault:"builds=3,maintenance=1"`

	// Build machinery.
	BuildRoot        string `env:"PIXEL_BUILD_ROOT" envDefault:"/tmp/pixel-builds"`
	RegistryEndpoint string `env:"PIXEL_REGISTRY_ENDPOINT" envDefault:"localhost:5000"`
	DeployHost       string `env:"PIXEL_DEPLOY_HOST" envDefault:"localhost"`

	// Per-stage timeouts. Generation is fast and tightly bounded; the
	// container stages are independently configurable.
	GenerateTimeout time.Duration `env:"PIXEL_GENERATE_TIMEOUT" envDefault:"10s"`
	BuildTimeout    time.Duration `env:"PIXEL_BUILD_TIMEOUT" envDefault:"10m"`
	TestTimeout     time.Duration `env:"PIXEL_TEST_TIMEOUT" envDefault:"2m"`
	PublishTimeout  time.Duration `env:"PIXEL_PUBLISH_TIMEOUT" envDefault:"5m"`
	DeployTimeout   time.Duration `env:"PIXEL_DEPLOY_TIMEOUT" envDefault:"5m"`

	// Orphan detection and bounded requeue of crashed workers.
	HeartbeatInterval time.Duration `env:"PIXEL_HEARTBEAT_INTERVAL" envDefault:"5s"`
	OrphanTimeout     time.Duration `env:"PIXEL_ORPHAN_TIMEOUT" envDefault:"60s"`
	RequeueCap        int           `env:"PIXEL_REQUEUE_CAP" envDefault:"1"`

	// Periodic maintenance.
	ScheduleFile  string        `env:"PIXEL_SCHEDULE_FILE"`
	ScheduleTick  time.Duration `env:"PIXEL_SCHEDULE_TICK" envDefault:"1s"`
	PurgeBuildAge time.Duration `env:"PIXEL_PURGE_BUILD_AGE" envDefault:"168h"`

	// Optional object-store upload of raw build logs.
	LogBackend     string `env:"PIXEL_LOG_BACKEND" envDefault:"local"`
	MinIOEndpoint  string `env:"PIXEL_MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"PIXEL_MINIO_ACCESS_KEY"`
	MinIOSecretKey string `env:"PIXEL_MINIO_SECRET_KEY"`
	MinIOBucket    string `env:"PIXEL_MINIO_BUCKET" envDefault:"pixel-build-logs"`
	MinIOUseSSL    bool   `env:"PIXEL_MINIO_USE_SSL" envDefault:"false"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return c, nil
}

// QueueLimits parses the QueueConcurrency string into per-queue worker
// counts. Malformed entries are an error rather than a silent default.
func (c Config) QueueLimits() (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(c.QueueConcurrency, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, limitStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("queue concurrency entry %q: want name=limit", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("queue concurrency entry %q: limit must be a positive integer", part)
		}
		out[strings.TrimSpace(name)] = limit
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	return out, nil
}
