// Package action implements the caller-facing handle for a running Action:
// a create/fit/predict in flight, resolving exactly once no matter how
// many callers wait on it or how many times Close is called.
package action

import (
	"context"
	"sync"
	"time"

	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/reactive"
)

// Handle tracks one in-flight action. The engine constructs it, runs the
// underlying worker-pool call on a goroutine, and resolves it exactly once
// via resolve(); callers observe completion through WaitResult or by
// subscribing to Substate's reactive updates.
type Handle struct {
	Meta    model.ActionMeta
	Substate *reactive.Node

	mu         sync.Mutex
	done       chan struct{}
	value      any
	err        error
	resolved   bool
	resolvedAt time.Time

	cancel context.CancelFunc
}

// New creates a pending handle for meta, with substate as the reactive node
// the engine publishes status/progress updates to.
func New(meta model.ActionMeta, substate *reactive.Node, cancel context.CancelFunc) *Handle {
	return &Handle{
		Meta:     meta,
		Substate: substate,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// resolve completes the handle exactly once; subsequent calls are no-ops.
// Safe to call from any goroutine, any number of times.
func (h *Handle) resolve(value any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return
	}
	h.resolved = true
	h.value, h.err = value, err
	h.resolvedAt = time.Now()
	close(h.done)
}

// ResolvedFor reports whether the action resolved at least d ago. Used by
// the engine's GC sweep (internal/aimm/engine/gc.go) to find terminal
// actions past their grace period.
func (h *Handle) ResolvedFor(d time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved && time.Since(h.resolvedAt) >= d
}

// Resolve is exported for the engine package, which is the only caller
// expected to settle a handle's outcome.
func (h *Handle) Resolve(value any, err error) { h.resolve(value, err) }

// WaitResult blocks until the action resolves or ctx is cancelled. Calling
// it repeatedly, including after resolution, always returns the same
// outcome.
func (h *Handle) WaitResult(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the action has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close cancels the action if still in flight. Idempotent; safe after the
// action has already resolved (a no-op in that case).
func (h *Handle) Close() {
	h.mu.Lock()
	resolved := h.resolved
	h.mu.Unlock()
	if resolved {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
}
