package plugins

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/rendis/mermend/internal/isolation"
	"github.com/rendis/mermend/pkg/schema"
)

// maxStderr bounds how much tool stderr ends up in error messages.
const maxStderr = 2048

// Tool runs a renderer binary under an isolator and maps its failures to
// DiagramError codes.
type Tool struct {
	Isolator isolation.Isolator
	Limits   isolation.Limits
}

func (t Tool) isolator() isolation.Isolator {
	if t.Isolator == nil {
		return isolation.NewFallbackIsolator()
	}
	return t.Isolator
}

// Run executes command with args, feeding stdin, and returns stdout.
//
// A missing binary is RENDERER_UNAVAILABLE, an expired deadline is TIMEOUT
// and a non-zero exit is PARSE_FAILURE carrying the tool's stderr.
func (t Tool) Run(ctx context.Context, renderer, command string, args []string, stdin io.Reader, dir string) ([]byte, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// The deadline lives on our own context so that kills are detectable
	// via ctx.Err().
	execCtx := ctx
	if t.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, t.Limits.Timeout)
		defer cancel()
	}
	limits := t.Limits
	limits.Timeout = 0

	wrapped, cleanup, err := t.isolator().Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRendererUnavailable, "%s: isolation failed: %v", renderer, err).WithCause(err)
	}
	defer cleanup()

	runErr := wrapped.Run()
	if runErr == nil {
		return stdout.Bytes(), nil
	}

	details := map[string]any{"renderer": renderer, "command": command}
	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, fs.ErrNotExist) || errors.Is(runErr, fs.ErrPermission) {
		return nil, schema.NewErrorf(schema.ErrCodeRendererUnavailable, "%s: %s is not runnable", renderer, command).
			WithCause(runErr).WithDetails(details)
	}
	if execCtx.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s: render timed out", renderer).
			WithCause(runErr).WithDetails(details)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := tail(strings.TrimSpace(stderr.String()), maxStderr)
		if msg == "" {
			msg = exitErr.Error()
		}
		details["exit_code"] = exitErr.ExitCode()
		return nil, schema.NewErrorf(schema.ErrCodeParseFailure, "%s", msg).
			WithCause(runErr).WithDetails(details)
	}
	return nil, schema.NewErrorf(schema.ErrCodeRendererUnavailable, "%s: %v", renderer, runErr).
		WithCause(runErr).WithDetails(details)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
