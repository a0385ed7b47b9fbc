// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jeranaias/rigrun-chatcore/internal/cloud"
	"github.com/jeranaias/rigrun-chatcore/internal/config"
	"github.com/jeranaias/rigrun-chatcore/internal/session"
	"github.com/jeranaias/rigrun-chatcore/internal/storage"
	"github.com/jeranaias/rigrun-chatcore/internal/telemetry"
	"github.com/jeranaias/rigrun-chatcore/internal/tools"
)

// app carries what every command needs once flags and config are resolved.
type app struct {
	// flags
	configPath  string
	model       string
	debug       bool
	logFilePath string

	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer

	promRegistry *prometheus.Registry
	metrics      *telemetry.Metrics
}

// init loads config and installs the logger. Called from PersistentPreRunE.
func (a *app) init(stderr io.Writer) error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.model != "" {
		cfg.Endpoint.Model = a.model
	}
	a.cfg = cfg

	if err := a.setupLogging(stderr); err != nil {
		return err
	}

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = telemetry.MustNewMetrics(a.promRegistry)
	return nil
}

func (a *app) setupLogging(stderr io.Writer) error {
	level := a.cfg.Logging.SlogLevel()
	if a.debug {
		level = slog.LevelDebug
	}

	out := stderr
	path := a.logFilePath
	if path == "" {
		path = a.cfg.Logging.File
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		out = f
	} else if !a.debug {
		// Keep the terminal quiet unless something is wrong.
		level = max(level, slog.LevelWarn)
	}

	a.logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			slog.Error("failed to close log file", "error", err)
		}
	}
}

// =============================================================================
// COMPONENT FACTORIES
// =============================================================================

func (a *app) openStore() (storage.Store, error) {
	return storage.Open(storage.Options{
		Backend:          a.cfg.Storage.Backend,
		Dir:              a.cfg.Storage.DataDir,
		MaxConversations: a.cfg.Storage.MaxConversations,
		CacheSize:        a.cfg.Storage.CacheSize,
	})
}

func (a *app) newClient() *cloud.Client {
	ep := a.cfg.Endpoint
	return cloud.NewClient(ep.BaseURL, ep.APIKey).
		WithModel(ep.Model).
		WithStreaming(ep.Stream).
		WithTimeout(ep.Timeout()).
		WithMaxRetries(ep.MaxRetries).
		WithRateLimit(ep.RequestsPerSecond, ep.Burst).
		WithLogger(a.logger).
		WithMalformedHook(func(string, error) { a.metrics.IncMalformed() }).
		WithCallHook(a.metrics.IncModelCall)
}

func (a *app) newRegistry() (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if a.cfg.Tools.Builtins {
		if err := tools.RegisterBuiltins(registry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func toolsConfig(cfg *config.Config) tools.Config {
	return tools.Config{
		MaxIterations:   cfg.Tools.MaxToolIterations,
		SummarizePrompt: cfg.Tools.SummarizePrompt,
		Model:           cfg.Endpoint.Model,
	}
}

// sessionOptions assembles everything a session needs except the store.
func (a *app) sessionOptions(client *cloud.Client, store storage.Store) (session.Options, error) {
	registry, err := a.newRegistry()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Model:    client,
		Registry: registry,
		Tools:    toolsConfig(a.cfg),
		Store:    store,
		Metrics:  a.metrics,
		Logger:   a.logger,
	}, nil
}
