package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/mermend/internal/logging"
	"github.com/rendis/mermend/internal/scheduler"
	"github.com/rendis/mermend/internal/server"
)

const shutdownGrace = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides settings)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := server.New(server.Deps{
		Engine:    a.engine,
		Store:     a.store,
		Hub:       a.hub,
		Metrics:   a.metrics,
		Validator: a.validator,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(scheduler.DefaultTick, a.logger)
	if err := sched.RegisterMaintenance(cfg.maintenance(), a.engine, a.store); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if err := writePIDFile(); err != nil {
		a.logger.Warn("pidfile not written", slog.Any("error", err))
	}
	defer os.Remove(pidPath())

	go a.watchReload(ctx)

	return srv.ListenAndServe(ctx, cfg.ListenAddr, shutdownGrace)
}

// watchReload re-reads settings on SIGHUP. Only the log level applies
// live; everything else is reported as needing a restart.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(a.cfg, next)
			if d.LogLevelChanged {
				a.level.Set(logging.ParseLevel(next.LogLevel))
				a.logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if len(d.RestartNeeded) > 0 {
				a.logger.Warn("settings changed that need a restart", slog.String("fields", strings.Join(d.RestartNeeded, ",")))
			}
			a.cfg.LogLevel = next.LogLevel
		}
	}
}

func writePIDFile() error {
	if err := os.MkdirAll(mermendDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
