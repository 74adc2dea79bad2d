// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
)

var tracer = otel.Tracer("aleutian.llm")

// Backend names.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
)

// ErrUnknownBackend indicates a Config.Backend this package cannot build.
var ErrUnknownBackend = errors.New("unknown llm backend")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// APIKey is required by openai and anthropic. Ollama ignores it.
	APIKey *secrets.Secret `yaml:"-"`
}

// Params returns the generation parameters implied by c.
func (c Config) Params() GenerationParams {
	var p GenerationParams
	if c.Temperature > 0 {
		t := c.Temperature
		p.Temperature = &t
	}
	if c.MaxTokens > 0 {
		m := c.MaxTokens
		p.MaxTokens = &m
	}
	return p
}

// New builds the client named by cfg.Backend.
func New(cfg Config, logger *slog.Logger) (LLMClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendOpenAI:
		return NewOpenAIClient(cfg, logger)
	case BackendAnthropic:
		return NewAnthropicClient(cfg, logger)
	case BackendOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// splitSystem separates system turns from the conversation. Backends that
// take the system prompt out of band use it.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
