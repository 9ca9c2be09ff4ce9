package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/isolation"
	"github.com/rendis/mermend/internal/logging"
	"github.com/rendis/mermend/internal/metrics"
	"github.com/rendis/mermend/internal/normalize"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/preprocess"
	"github.com/rendis/mermend/internal/recovery"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/streaming"
	"github.com/rendis/mermend/internal/validation"
)

// app is the wired dependency graph shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	metrics   *metrics.Metrics
	validator *validation.Validator
	engine    *engine.Orchestrator
}

// newLogger builds the correlation-aware text logger. Logs always go to
// w so stdout stays free for command output and the MCP transport.
func newLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(level))
	h := logging.NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
	return slog.New(h), lv
}

// buildApp wires store, renderers, recovery and the orchestrator. The
// store is opened only when persist is set.
func buildApp(ctx context.Context, cfg Config, persist bool) (*app, error) {
	logger, level := newLogger(os.Stderr, cfg.LogLevel)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		hub:     streaming.NewMemoryHub(),
		metrics: metrics.New(),
	}

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	a.validator = v

	if persist {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.store = st
	}

	iso := isolation.New(cfg.UseCgroups, logger)
	renderers, err := plugins.Default(cfg.pluginConfig(iso), v, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("register renderers: %w", err)
	}

	rec, err := recovery.Default(cfg.RecoveryRules, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("recovery rules: %w", err)
	}

	deps := engine.Deps{
		Renderers:     renderers,
		Preprocessors: preprocess.Default(logger),
		Normalizer:    normalize.New(logger),
		Parser:        cfg.parser(),
		Recovery:      rec,
		Hub:           a.hub,
		Metrics:       a.metrics,
		Logger:        logger,
	}
	if a.store != nil {
		deps.Store = a.store
	}

	o, err := engine.New(cfg.engineConfig(), deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	a.engine = o
	return a, nil
}

// parser picks the grammar spelling oracle.
func (c Config) parser() normalize.Parser {
	if c.ParserMode == "cli" {
		return normalize.NewCLIParser(normalize.CLIParserConfig{
			Command: c.MmdcPath,
			Args:    []string{"--quiet", "-i", "{input}", "-o", "{dir}/probe.svg"},
		})
	}
	accepted := c.acceptedGrammars()
	if accepted == nil {
		accepted = normalize.DefaultAccepted()
	}
	return normalize.NewStaticParser(c.ParserVersion, accepted)
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Shutdown(context.Background())
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.Any("error", err))
		}
	}
}
