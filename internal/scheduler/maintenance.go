package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job names registered by RegisterMaintenance.
const (
	JobSweepSessions  = "sweep-idle-sessions"
	JobPruneArtifacts = "prune-artifact-cache"
)

// Sweeper unmounts sessions idle longer than a TTL.
// Satisfied by *engine.Orchestrator.
type Sweeper interface {
	Sweep(ctx context.Context, idle time.Duration) (int, error)
}

// Pruner drops cached artifacts unused since a cutoff.
// Satisfied by store.Store.
type Pruner interface {
	PruneArtifacts(ctx context.Context, unusedSince time.Time) (int64, error)
}

// MaintenanceConfig configures the builtin jobs. A zero TTL or retention
// leaves the matching job out.
type MaintenanceConfig struct {
	SweepSpec  string
	SessionTTL time.Duration
	PruneSpec  string
	Retention  time.Duration
}

// SweepJob unmounts sessions idle longer than ttl.
func SweepJob(sw Sweeper, ttl time.Duration, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := sw.Sweep(ctx, ttl)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("swept idle sessions", slog.Int("count", n), slog.Duration("ttl", ttl))
		}
		return nil
	}
}

// PruneJob deletes cached artifacts not hit within retention.
func PruneJob(p Pruner, retention time.Duration, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := p.PruneArtifacts(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned artifact cache", slog.Int64("count", n), slog.Duration("retention", retention))
		}
		return nil
	}
}

// RegisterMaintenance adds the sweep and prune jobs. Either dependency may
// be nil to skip its job.
func (s *Scheduler) RegisterMaintenance(cfg MaintenanceConfig, sw Sweeper, p Pruner) error {
	if sw != nil && cfg.SessionTTL > 0 {
		if err := s.Add(JobSweepSessions, cfg.SweepSpec, SweepJob(sw, cfg.SessionTTL, s.logger)); err != nil {
			return err
		}
	}
	if p != nil && cfg.Retention > 0 {
		if err := s.Add(JobPruneArtifacts, cfg.PruneSpec, PruneJob(p, cfg.Retention, s.logger)); err != nil {
			return err
		}
	}
	return nil
}
