// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator serves the research HTTP API.
//
// Configuration comes from environment variables; API keys come from the
// environment or from files under /run/secrets.
//
// # Environment Variables
//
//   - RESEARCH_ADDR: listen address (default: :12210)
//   - RESEARCH_LLM_BACKEND: openai, anthropic, ollama (default: ollama)
//   - RESEARCH_LLM_MODEL, RESEARCH_LLM_BASE_URL, RESEARCH_LLM_TIMEOUT
//   - RESEARCH_CHECKPOINT_BACKEND: memory, file, badger, gcs (default: badger)
//   - RESEARCH_CHECKPOINT_PATH, RESEARCH_GCS_BUCKET, RESEARCH_GCS_PREFIX
//   - RESEARCH_CACHE_SIZE, RESEARCH_RETENTION
//   - RESEARCH_LOG_LEVEL, RESEARCH_LOG_DIR
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY, TAVILY_API_KEY, RESEARCH_API_TOKEN
//   - OTEL_EXPORTER_OTLP_ENDPOINT and the other variables read by telemetry
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	TAVILY_API_KEY=... ./orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianResearch/pkg/logging"
	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/pkg/telemetry"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator"
	"github.com/AleutianAI/AleutianResearch/services/research/app"
	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
)

func main() {
	level, err := logging.ParseLevel(getEnvString("RESEARCH_LOG_LEVEL", "info"))
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  os.Getenv("RESEARCH_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)
	if err != nil {
		log.Warn("invalid log level, using info", "error", err)
	}

	if err := run(log); err != nil {
		log.Error("orchestrator stopped", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer secrets.Purge()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	cfg := configFromEnv()
	if err := app.LoadSecrets(&cfg); err != nil {
		return err
	}
	var token *secrets.Secret
	if t, err := secrets.Load(app.APITokenSource); err == nil {
		token = t
	} else if !errors.Is(err, secrets.ErrSecretNotFound) {
		return err
	}

	log.Info("starting research orchestrator",
		"llm_backend", cfg.LLM.Backend,
		"llm_model", cfg.LLM.Model,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"auth_enabled", token != nil,
	)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(cctx); err != nil {
			log.Warn("session service close failed", "error", err)
		}
	}()

	srv, err := orchestrator.New(orchestrator.Config{
		Addr:            getEnvString("RESEARCH_ADDR", orchestrator.DefaultAddr),
		APIToken:        token,
		ShutdownTimeout: getEnvDuration("RESEARCH_SHUTDOWN_TIMEOUT", 15*time.Second),
	}, a.Service, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// configFromEnv overlays environment variables on app.DefaultConfig.
func configFromEnv() app.Config {
	cfg := app.DefaultConfig()
	cfg.LLM.Backend = getEnvString("RESEARCH_LLM_BACKEND", cfg.LLM.Backend)
	cfg.LLM.Model = getEnvString("RESEARCH_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnvString("RESEARCH_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.MaxTokens = getEnvInt("RESEARCH_LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.Timeout = getEnvDuration("RESEARCH_LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.Checkpoint.Backend = checkpoint.Backend(getEnvString("RESEARCH_CHECKPOINT_BACKEND", string(cfg.Checkpoint.Backend)))
	cfg.Checkpoint.Path = getEnvString("RESEARCH_CHECKPOINT_PATH", "/var/lib/aleutian/research")
	cfg.Checkpoint.GCS.Bucket = os.Getenv("RESEARCH_GCS_BUCKET")
	cfg.Checkpoint.GCS.Prefix = getEnvString("RESEARCH_GCS_PREFIX", "research/checkpoints")
	cfg.Checkpoint.GCS.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")

	cfg.Pipeline.MaxSourcesToRead = getEnvInt("RESEARCH_MAX_SOURCES", cfg.Pipeline.MaxSourcesToRead)
	cfg.Pipeline.Concurrency = getEnvInt("RESEARCH_CONCURRENCY", cfg.Pipeline.Concurrency)

	cfg.Session.CacheSize = getEnvInt("RESEARCH_CACHE_SIZE", cfg.Session.CacheSize)
	cfg.Session.Retention = getEnvDuration("RESEARCH_RETENTION", cfg.Session.Retention)
	return cfg
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration parses a Go duration ("90s", "2m") or returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
