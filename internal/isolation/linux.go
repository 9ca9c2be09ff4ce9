//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupPrefix   = "mermend"
	cgroupPeriod   = 100000 // cpu.max period in microseconds
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*CgroupIsolator)(nil)

// CgroupIsolator places each renderer process in its own cgroup v2 leaf
// and, when supported, fresh PID and network namespaces.
type CgroupIsolator struct {
	base string
	caps Caps
}

func newPlatformIsolator() (Isolator, error) {
	return NewCgroupIsolator()
}

// NewCgroupIsolator creates the mermend cgroup and enables the memory,
// cpu and pids controllers on it.
func NewCgroupIsolator() (*CgroupIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	available := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, available); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}
	return &CgroupIsolator{base: base, caps: buildCaps(available)}, nil
}

func (c *CgroupIsolator) Capabilities() Caps { return c.caps }

// Wrap creates a cgroup leaf for one render and attaches the process to
// it at clone time.
func (c *CgroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cgPath := filepath.Join(c.base, uuid.NewString())
	if err := os.Mkdir(cgPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	fd := -1
	ok := false
	defer func() {
		if !ok {
			if fd >= 0 {
				syscall.Close(fd)
			}
			removeCgroup(cgPath)
		}
	}()

	if err := c.writeLimits(cgPath, limits); err != nil {
		return nil, nil, err
	}
	fd, err := syscall.Open(cgPath, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	wrapped := clone(execCtx, cmd)

	flags := uintptr(0)
	if c.caps.CanIsolatePID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && c.caps.CanLimitNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{UseCgroupFD: true, CgroupFD: fd, Cloneflags: flags}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			syscall.Close(fd)
			cancel()
			removeCgroup(cgPath)
		})
	}
	ok = true
	return wrapped, cleanup, nil
}

func (c *CgroupIsolator) writeLimits(cgPath string, limits Limits) error {
	if limits.MaxMemoryBytes > 0 && c.caps.CanLimitMemory {
		if err := writeControl(cgPath, "memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		_ = writeControl(cgPath, "memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && c.caps.CanLimitCPU {
		if err := writeControl(cgPath, "cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(cgPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgPath, file), []byte(value), 0o644)
}

// formatCPUMax converts a CPU percentage (1-100) to the cpu.max "QUOTA PERIOD" form.
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	return fmt.Sprintf("%d %d", cgroupPeriod*percent/100, cgroupPeriod)
}

// removeCgroup kills what is left in the cgroup and removes it.
func removeCgroup(cgPath string) {
	if err := writeControl(cgPath, "cgroup.kill", "1"); err != nil {
		killProcs(cgPath)
	}
	for range cleanupRetries {
		if err := os.Remove(cgPath); err == nil {
			return
		}
		time.Sleep(cleanupDelay)
	}
	slog.Warn("isolation: failed to remove cgroup after retries", "path", cgPath)
}

func killProcs(cgPath string) {
	f, err := os.Open(filepath.Join(cgPath, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}

func buildCaps(controllers map[string]bool) Caps {
	return Caps{
		CanLimitMemory:  controllers["memory"],
		CanLimitCPU:     controllers["cpu"],
		CanLimitNetwork: true, // CLONE_NEWNET, not a controller
		CanIsolatePID:   controllers["pids"],
	}
}

func enableControllers(base string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return writeControl(base, "cgroup.subtree_control", strings.Join(enable, " "))
}
