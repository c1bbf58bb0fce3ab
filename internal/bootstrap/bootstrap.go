// Package bootstrap assembles the control plane from configuration: record
// store, queues, pipeline stages, dispatcher, and scheduler.
package bootstrap

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/build"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/config"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/deploy"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/dispatch"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/generate"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/pipeline"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/publish"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/spec"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/status"
)

// System is the fully wired control plane. Close releases backing
// connections after the dispatcher has drained.
type System struct {
	Config     config.Config
	Records    record.Store
	Specs      spec.Store
	Propagator *status.Propagator
	Dispatcher *dispatch.Dispatcher
	Scheduler  *dispatch.Scheduler

	closers []func() error
}

func (s *System) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func NewSystemFromConfig(cfg config.Config, log *zap.Logger) (*System, error) {
	sys := &System{Config: cfg}

	if err := wireStores(cfg, sys); err != nil {
		return nil, err
	}
	sys.Propagator = status.NewPropagator(sys.Records, log.Named("status"))

	newQueue, err := queueFactory(cfg, sys)
	if err != nil {
		return nil, err
	}
	limits, err := cfg.QueueLimits()
	if err != nil {
		return nil, err
	}

	engine, err := generate.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("template engine: %w", err)
	}

	rt := runtime.NewDockerCLI(log.Named("docker"))
	builder := build.New(rt, build.NewHTTPProber(), build.Options{
		Root:         cfg.BuildRoot,
		Registry:     cfg.RegistryEndpoint,
		ReadyTimeout: cfg.TestTimeout,
	}, log.Named("build"))

	uploader, err := logUploader(cfg)
	if err != nil {
		return nil, err
	}
	publisher := publish.New(rt, uploader, publish.Options{}, log.Named("publish"))
	deployer := deploy.New(rt, deploy.Options{
		Host:          cfg.DeployHost,
		HealthTimeout: cfg.DeployTimeout,
	}, log.Named("deploy"))

	runner := pipeline.NewRunner(
		sys.Specs, sys.Records, sys.Propagator,
		engine, builder, publisher, deployer,
		pipeline.Timeouts{
			Generate: cfg.GenerateTimeout,
			Build:    cfg.BuildTimeout,
			Test:     cfg.TestTimeout,
			Publish:  cfg.PublishTimeout,
			Deploy:   cfg.DeployTimeout,
		},
		log.Named("pipeline"),
	)
	maint := dispatch.NewMaintenanceRunner(sys.Records, rt, cfg.BuildRoot, cfg.PurgeBuildAge, log.Named("maintenance"))

	sys.Dispatcher = dispatch.NewDispatcher(
		sys.Records, sys.Propagator, runner, maint, newQueue,
		dispatch.Options{
			Limits:            limits,
			HeartbeatInterval: cfg.HeartbeatInterval,
			OrphanTimeout:     cfg.OrphanTimeout,
			RequeueCap:        cfg.RequeueCap,
		},
		log.Named("dispatch"),
	)

	entries, err := dispatch.LoadSchedule(cfg.ScheduleFile)
	if err != nil {
		return nil, err
	}
	sys.Scheduler = dispatch.NewScheduler(entries, sys.Dispatcher.EnqueueMaintenance, cfg.ScheduleTick, log.Named("schedule"))
	sys.Dispatcher.SetMaintenanceDone(sys.Scheduler.Done)
	return sys, nil
}

func wireStores(cfg config.Config, sys *System) error {
	if cfg.PostgresDSN == "" {
		sys.Records = record.NewMemoryStore()
		sys.Specs = spec.NewMemoryStore()
		return nil
	}
	pg, err := record.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres record store: %w", err)
	}
	sys.Records = pg
	sys.Specs = spec.NewPostgresStore(pg.DB())
	sys.closers = append(sys.closers, pg.Close)
	return nil
}

func queueFactory(cfg config.Config, sys *System) (func(name string) dispatch.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return func(string) dispatch.Queue { return dispatch.NewMemoryQueue() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		sys.closers = append(sys.closers, rdb.Close)
		return func(name string) dispatch.Queue { return dispatch.NewRedisQueue(rdb, name) }, nil
	default:
		return nil, fmt.Errorf("unsupported PIXEL_QUEUE_BACKEND value %q", cfg.QueueBackend)
	}
}

func logUploader(cfg config.Config) (publish.LogUploader, error) {
	switch cfg.LogBackend {
	case "minio":
		return publish.NewMinIOUploader(publish.MinIOOptions{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	case "local", "":
		return publish.NoopUploader(), nil
	default:
		return nil, fmt.Errorf("unsupported PIXEL_LOG_BACKEND value %q", cfg.LogBackend)
	}
}
