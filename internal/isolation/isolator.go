// Package isolation runs renderer subprocesses (mmdc, mermaid-ascii,
// external renderers) under resource limits.
package isolation

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Limits constrains one renderer subprocess.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
}

// Caps describes what an Isolator can enforce.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a command with platform-specific process isolation.
// The returned cleanup must always be called once the process has exited,
// and the caller must run the returned *exec.Cmd, not the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// New returns the cgroup isolator when requested and available, and the
// timeout-only fallback otherwise.
func New(useCgroups bool, logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	if !useCgroups {
		return NewFallbackIsolator()
	}
	iso, err := newPlatformIsolator()
	if err != nil {
		logger.Warn("isolation: cgroups unavailable, using fallback (timeout only)", slog.String("error", err.Error()))
		return NewFallbackIsolator()
	}
	return iso
}

// clone rebuilds cmd on a context-aware exec.Cmd so that cancellation
// kills the process and pipes drain within a bounded delay.
func clone(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Err = cmd.Err

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 2 * time.Second
	return wrapped
}
