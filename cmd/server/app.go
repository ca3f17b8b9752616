package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	gcblob "gocloud.dev/blob"
	"gorm.io/gorm"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/config"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/core/postgres/repository"
	"go-groupwatch/internal/infrastructure/blob"
	redisinfra "go-groupwatch/internal/infrastructure/redis"
	"go-groupwatch/internal/logging"
	"go-groupwatch/internal/metrics"
	"go-groupwatch/internal/session"
)

// app holds the shared infrastructure of one command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	db        *gorm.DB
	sessions  *gcblob.Bucket
	artifacts *gcblob.Bucket
	redis     *goredis.Client

	accounts  ports.AccountRepository
	workflows ports.WorkflowRepository
	leads     ports.LeadRepository
	jobs      ports.JobRepository

	// set only when opened with Redis
	queue ports.JobQueue
	bus   ports.EventBus
}

func openApp(ctx context.Context, cfg *config.Config, withRedis bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.WithModule("groupwatch"),
		clock:   clock.Real(),
		metrics: metrics.New(prometheus.DefaultRegisterer),
	}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	var err error

	// 1. Postgres
	a.db, err = repository.OpenPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	a.accounts = repository.NewAccountRepository(a.db)
	a.workflows = repository.NewWorkflowRepository(a.db)
	a.leads = repository.NewLeadRepository(a.db)
	a.jobs = repository.NewJobRepository(a.db)

	// 2. Buckets
	if a.sessions, err = blob.Open(ctx, cfg.Blob.SessionsURL); err != nil {
		return nil, err
	}
	if a.artifacts, err = blob.Open(ctx, cfg.Blob.ArtifactsURL); err != nil {
		return nil, err
	}

	// 3. Redis
	if withRedis {
		a.redis, err = redisinfra.NewRedisClient(ctx, redisinfra.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		q := redisinfra.NewRedisQueue(a.redis, cfg.Redis.PopTimeout)
		if cfg.Redis.QueuePrefix != "" {
			q = q.WithPrefix(cfg.Redis.QueuePrefix)
		}
		a.queue = q
		a.bus = redisinfra.NewRedisEventBus(a.redis, a.logger)
	}
	opened = true
	return a, nil
}

func (a *app) sessionManager() *session.Manager {
	launcher := browser.NewRodLauncher(a.cfg.Browser, a.logger)
	store := blob.NewSessionStore(a.sessions)
	return session.NewManager(a.cfg.Session, launcher, store, a.accounts, a.clock, a.metrics, a.logger)
}

func (a *app) artifactStore() ports.ArtifactStore {
	return blob.NewArtifactStore(a.artifacts)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis", "error", err)
		}
	}
	for _, b := range []*gcblob.Bucket{a.sessions, a.artifacts} {
		if b != nil {
			_ = b.Close()
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
