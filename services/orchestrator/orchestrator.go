// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator serves the research API over HTTP.
//
// # Routes
//
//	POST /v1/research              start a session
//	GET  /v1/research/:id          session status and report
//	POST /v1/research/:id/resume   answer clarification questions
//	GET  /v1/research/:id/events   websocket progress stream
//	GET  /health                   liveness
//	GET  /metrics                  Prometheus exposition
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/routes"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":12210"

// Service is the HTTP server.
type Service interface {
	// Run serves until ctx is done, then shuts down gracefully.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Addr returns the bound address once Run is listening, else "".
	Addr() string
}

// Config configures the server.
type Config struct {
	// Addr is the listen address. Default: ":12210"
	Addr string

	// GinMode is debug, release or test. Default: release.
	GinMode string

	// APIToken, when set, is required as a bearer token on /v1 routes.
	APIToken *secrets.Secret

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration

	// Registerer receives the request metrics. Default: the global registry.
	Registerer prometheus.Registerer
}

type service struct {
	config Config
	router *gin.Engine
	logger *slog.Logger

	mu    sync.Mutex
	bound string
}

// New builds the server over research.
//
// # Inputs
//
//   - cfg: Server configuration. Zero values take defaults.
//   - research: The session service. Must not be nil.
//   - logger: Request and lifecycle logger. nil means slog.Default().
func New(cfg Config, research handlers.ResearchService, logger *slog.Logger) (Service, error) {
	if research == nil {
		return nil, errors.New("orchestrator: nil research service")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = applyConfigDefaults(cfg)
	gin.SetMode(cfg.GinMode)

	metrics := observability.NewResearchMetrics(cfg.Registerer)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-research"))
	routes.SetupRoutes(router,
		handlers.NewResearchHandler(research, metrics, logger),
		middleware.ProviderFor(cfg.APIToken),
	)

	if cfg.APIToken == nil {
		logger.Warn("no API token configured, /v1 routes are open")
	}
	return &service{
		config: cfg,
		router: router,
		logger: logger,
	}, nil
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting research API server", slog.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down research API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ Service = (*service)(nil)
