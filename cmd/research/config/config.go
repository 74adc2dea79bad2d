// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the research CLI configuration from
// ~/.aleutian/research.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianResearch/services/orchestrator"
	"github.com/AleutianAI/AleutianResearch/services/research/app"
	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
)

// ServerConfig configures `research serve`. The API token is a secret and
// is read from RESEARCH_API_TOKEN or /run/secrets, never from this file.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures trace export for `serve`. The --trace and
// --metrics flags switch the other commands to stdout exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Stdout       bool   `yaml:"stdout"`
}

// Config is the full file layout.
type Config struct {
	app.Config `yaml:",inline"`

	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Config:  app.DefaultConfig(),
		Server:  ServerConfig{Addr: orchestrator.DefaultAddr},
		Logging: LoggingConfig{Level: "warn", Dir: "~/.aleutian/logs"},
	}
}

// DefaultPath returns ~/.aleutian/research.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "research.yaml"), nil
}

var (
	// Global holds the configuration after Load.
	Global  Config
	once    sync.Once
	loadErr error
)

// Load reads path (DefaultPath when empty) into Global once per process.
// Later calls return the first result.
func Load(path string) error {
	once.Do(func() {
		Global, loadErr = LoadFrom(path)
	})
	return loadErr
}

// LoadFrom reads a configuration file, creating it with Default values
// when it does not exist, and then applies environment overrides.
//
// Fields missing from the file keep their Default values.
func LoadFrom(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

// ApplyEnv overrides cfg from RESEARCH_* variables. Unparsable numbers
// and durations are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("RESEARCH_LLM_BACKEND", &cfg.LLM.Backend)
	str("RESEARCH_LLM_MODEL", &cfg.LLM.Model)
	str("RESEARCH_LLM_BASE_URL", &cfg.LLM.BaseURL)
	num("RESEARCH_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	dur("RESEARCH_LLM_TIMEOUT", &cfg.LLM.Timeout)

	backend := string(cfg.Checkpoint.Backend)
	str("RESEARCH_CHECKPOINT_BACKEND", &backend)
	cfg.Checkpoint.Backend = checkpoint.Backend(backend)
	str("RESEARCH_CHECKPOINT_PATH", &cfg.Checkpoint.Path)
	str("RESEARCH_GCS_BUCKET", &cfg.Checkpoint.GCS.Bucket)
	str("RESEARCH_GCS_PREFIX", &cfg.Checkpoint.GCS.Prefix)

	num("RESEARCH_MAX_SOURCES", &cfg.Pipeline.MaxSourcesToRead)
	num("RESEARCH_CONCURRENCY", &cfg.Pipeline.Concurrency)

	str("RESEARCH_ADDR", &cfg.Server.Addr)
	str("RESEARCH_LOG_LEVEL", &cfg.Logging.Level)
	str("RESEARCH_LOG_DIR", &cfg.Logging.Dir)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}
