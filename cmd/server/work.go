package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"go-groupwatch/internal/action"
	"go-groupwatch/internal/coordinator"
	"go-groupwatch/internal/discovery"
	"go-groupwatch/internal/replygen"
	"go-groupwatch/internal/runner"
	"go-groupwatch/internal/worker"
)

func runWork(ctx context.Context, a *app, metricsAddr string) error {
	cfg := a.cfg
	logger := a.logger

	// 1. Domain components
	sessions := a.sessionManager()
	artifacts := a.artifactStore()
	loop := discovery.NewLoop(cfg.Discovery, artifacts, a.clock, a.metrics, logger)
	run := runner.New(cfg.Runner, sessions, loop, a.accounts, a.workflows, a.leads, a.bus, a.clock, a.metrics, logger)
	executor := action.NewExecutor(cfg.Action, a.metrics, logger)
	comments := worker.NewCommentHandler(a.leads, a.workflows, a.accounts, sessions, executor, logger)

	// 2. Worker pool
	w := worker.NewWorker(cfg.Worker, a.queue, a.jobs, worker.InitRegistry(run, comments), a.clock, a.metrics, logger)

	// 3. Stop signals from the API process
	coord := coordinator.NewCoordinator(cfg.Coordinator, a.leads, a.workflows, artifacts, a.bus, replygen.New(cfg.ReplyGen), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.StartPool(gctx)
	})
	g.Go(func() error {
		return coord.HandleStops(gctx, run)
	})
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
