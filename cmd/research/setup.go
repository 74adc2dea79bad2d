// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianResearch/cmd/research/config"
	"github.com/AleutianAI/AleutianResearch/pkg/logging"
	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/pkg/telemetry"
	"github.com/AleutianAI/AleutianResearch/services/research/app"
)

// commandEnv is what every command needs: configuration, a logger, exporters
// and the assembled session service.
type commandEnv struct {
	cfg    config.Config
	logger *logging.Logger
	app    *app.App

	shutdownTelemetry func(context.Context) error
}

// setup loads configuration and builds the session service.
//
// server selects server-style telemetry (OTLP traces, Prometheus
// metrics) instead of the CLI's stdout-or-nothing exporters.
func setup(ctx context.Context, server bool) (*commandEnv, error) {
	if err := config.Load(configPath); err != nil {
		return nil, err
	}
	cfg := config.Global

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, levelErr := logging.ParseLevel(levelName)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "research",
		JSON:    cfg.Logging.JSON || server,
	})
	if levelErr != nil {
		logger.Slog().Warn("invalid log level, using info", "error", levelErr)
	}
	slog.SetDefault(logger.Slog())

	shutdown, err := telemetry.Init(ctx, telemetryConfig(cfg, server))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	rt := &commandEnv{cfg: cfg, logger: logger, shutdownTelemetry: shutdown}
	appCfg := cfg.Config
	if err := app.LoadSecrets(&appCfg); err != nil {
		rt.close()
		return nil, err
	}
	rt.app, err = app.Build(ctx, appCfg, logger.Slog())
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func telemetryConfig(cfg config.Config, server bool) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = Version
	tc.Writer = os.Stderr
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if !server {
		tc.TraceExporter = telemetry.ExporterNone
		tc.MetricExporter = telemetry.ExporterNone
	}
	if traceStdout || cfg.Telemetry.Stdout {
		tc.TraceExporter = telemetry.ExporterStdout
	}
	if metricStdout {
		tc.MetricExporter = telemetry.ExporterStdout
	}
	return tc
}

// apiToken returns the server token, or nil when none is configured.
func apiToken() (*secrets.Secret, error) {
	token, err := secrets.Load(app.APITokenSource)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		return nil, nil
	}
	return token, err
}

// close tears down in reverse order of setup. The session service gets
// long enough to checkpoint the stage it was cancelled in.
func (rt *commandEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rt.app != nil {
		if err := rt.app.Close(ctx); err != nil {
			rt.logger.Slog().Warn("session service close failed", "error", err)
		}
	}
	if rt.shutdownTelemetry != nil {
		if err := rt.shutdownTelemetry(ctx); err != nil {
			rt.logger.Slog().Warn("telemetry shutdown failed", "error", err)
		}
	}
	secrets.Purge()
	_ = rt.logger.Close()
}
