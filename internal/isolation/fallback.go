package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator only enforces the timeout.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap clones cmd onto a context carrying the limit timeout.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	return clone(execCtx, cmd), cancel, nil
}

// Capabilities reports nothing beyond timeouts.
func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
