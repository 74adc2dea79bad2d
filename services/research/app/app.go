// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles a research session service from configuration.
//
// Both the HTTP server and the CLI build their pipeline here so that a
// session started by one can be resumed by the other against the same
// checkpoint store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/services/llm"
	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/fetch"
	"github.com/AleutianAI/AleutianResearch/services/research/search"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
	"github.com/AleutianAI/AleutianResearch/services/research/stages"
)

// SessionConfig bounds the finished-result cache.
type SessionConfig struct {
	CacheSize int           `yaml:"cache_size"`
	Retention time.Duration `yaml:"retention"`
}

// Config is everything needed to build a session service.
type Config struct {
	LLM        llm.Config        `yaml:"llm"`
	Search     search.Config     `yaml:"search"`
	Fetch      fetch.Config      `yaml:"fetch"`
	Pipeline   stages.Limits     `yaml:"pipeline"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	Session    SessionConfig     `yaml:"session"`
}

// DefaultConfig returns a local setup: Ollama for the model, Tavily for
// search, badger checkpoints under ~/.aleutian/research.
func DefaultConfig() Config {
	return Config{
		LLM: llm.Config{
			Backend:     llm.BackendOllama,
			Model:       "llama3.1",
			BaseURL:     "http://localhost:11434",
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     2 * time.Minute,
		},
		Search: search.Config{
			URL:               search.DefaultTavilyURL,
			RequestsPerSecond: search.DefaultRequestsPerSecond,
			Timeout:           search.DefaultTimeout,
		},
		Fetch: fetch.Config{
			MaxChars:          fetch.DefaultMaxChars,
			Timeout:           fetch.DefaultTimeout,
			RequestsPerSecond: fetch.DefaultRequestsPerSecond,
			UserAgent:         fetch.DefaultUserAgent,
			CacheSize:         fetch.DefaultCacheSize,
			CacheTTL:          fetch.DefaultCacheTTL,
		},
		Pipeline: stages.DefaultLimits(),
		Checkpoint: checkpoint.Config{
			Backend: checkpoint.BackendBadger,
			Path:    "~/.aleutian/research/checkpoints",
		},
		Session: SessionConfig{
			CacheSize: session.DefaultFinishedCacheSize,
			Retention: session.DefaultRetention,
		},
	}
}

// Secret sources. Each is read from the environment first and then from
// a file of the same lower-cased name under /run/secrets.
var (
	OpenAIKeySource    = secrets.Source{Name: "openai_api_key", EnvVar: "OPENAI_API_KEY", File: "openai_api_key"}
	AnthropicKeySource = secrets.Source{Name: "anthropic_api_key", EnvVar: "ANTHROPIC_API_KEY", File: "anthropic_api_key"}
	TavilyKeySource    = secrets.Source{Name: "tavily_api_key", EnvVar: "TAVILY_API_KEY", File: "tavily_api_key"}
	APITokenSource     = secrets.Source{Name: "research_api_token", EnvVar: "RESEARCH_API_TOKEN", File: "research_api_token"}
)

// LoadSecrets fills the API keys cfg's backends need and leaves the rest
// untouched. Keys already set are kept.
func LoadSecrets(cfg *Config) error {
	if cfg.LLM.APIKey == nil {
		var src *secrets.Source
		switch cfg.LLM.Backend {
		case llm.BackendOpenAI:
			src = &OpenAIKeySource
		case llm.BackendAnthropic:
			src = &AnthropicKeySource
		}
		if src != nil {
			key, err := secrets.Load(*src)
			if err != nil {
				return fmt.Errorf("llm backend %s: %w", cfg.LLM.Backend, err)
			}
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Search.APIKey == nil {
		key, err := secrets.Load(TavilyKeySource)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		cfg.Search.APIKey = key
	}
	return nil
}

// App owns a session service and the store underneath it.
type App struct {
	Service *session.Service
	Store   checkpoint.Store

	fetcher *fetch.HTTPFetcher
}

// Build wires model, searcher, fetcher and checkpoint store into a
// session service.
//
// Description:
//
//	The checkpoint store is opened last so that a configuration error in
//	a collaborator never leaves a badger directory locked.
//
// Inputs:
//
//	ctx - Used for opening remote stores.
//	cfg - Configuration. API keys must already be loaded.
//	logger - Shared by every component. Nil uses slog.Default().
//	opts - Extra session options, e.g. session.WithEmitter.
//
// Outputs:
//
//	*App - Ready to accept sessions. Close it when done.
//	error - The first component that failed to build.
func Build(ctx context.Context, cfg Config, logger *slog.Logger, opts ...session.Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	searcher, err := search.NewTavily(cfg.Search, logger)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if cfg.Fetch.Timeout <= 0 {
		cfg.Fetch.Timeout = cfg.Pipeline.FetchTimeout
	}
	fetcher := fetch.NewHTTPFetcher(cfg.Fetch, logger)

	modelPolicy := collab.DefaultPolicy()
	if cfg.LLM.Timeout > 0 {
		modelPolicy = modelPolicy.WithTimeout(cfg.LLM.Timeout)
	}
	pipeline, err := stages.NewPipeline(stages.Deps{
		Model:       llm.NewStructuredModel(client, cfg.LLM.Params(), logger),
		Searcher:    searcher,
		Fetcher:     fetcher,
		ModelPolicy: modelPolicy,
		Limits:      cfg.Pipeline,
		Logger:      logger,
	})
	if err != nil {
		fetcher.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	cp := cfg.Checkpoint
	cp.Path = expandHome(cp.Path)
	store, err := checkpoint.Open(ctx, cp, logger)
	if err != nil {
		fetcher.Close()
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	all := append([]session.Option{
		session.WithLogger(logger),
		session.WithFinishedCache(cfg.Session.CacheSize, cfg.Session.Retention),
	}, opts...)
	svc, err := session.NewService(pipeline, store, all...)
	if err != nil {
		fetcher.Close()
		_ = store.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return &App{Service: svc, Store: store, fetcher: fetcher}, nil
}

// Close stops in-flight sessions and then closes the store.
func (a *App) Close(ctx context.Context) error {
	err := errors.Join(a.Service.Close(ctx), a.Store.Close())
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	return err
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
