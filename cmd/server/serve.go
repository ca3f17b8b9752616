package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"go-groupwatch/internal/api/handler"
	"go-groupwatch/internal/coordinator"
	"go-groupwatch/internal/replygen"
	"go-groupwatch/internal/service"
)

func runServe(ctx context.Context, a *app) error {
	if err := a.cfg.ValidateServer(); err != nil {
		return err
	}
	cfg := a.cfg
	logger := a.logger

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 1. Services and routes
	workflowSvc := service.NewWorkflowService(cfg.Jobs, a.workflows, a.jobs, a.queue, a.bus, logger)
	leadSvc := service.NewLeadService(cfg.Jobs, a.leads, a.jobs, a.queue, logger)
	h := handler.NewHandler(workflowSvc, leadSvc, logger)
	router := handler.NewRouter(cfg.Server.APIKey, h, nil, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 2. Lead forwarder
	coord := coordinator.NewCoordinator(cfg.Coordinator, a.leads, a.workflows, a.artifactStore(), a.bus, replygen.New(cfg.ReplyGen), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.ForwardLeads(gctx)
	})
	g.Go(func() error {
		logger.InfoContext(gctx, "server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
