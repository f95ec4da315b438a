// Package runner implements the top-level supervisor:
// instantiate backend, then engine, then every configured control; close
// in reverse order; route inbound event batches to whichever
// backend/control subscriptions match; treat loss of the external event
// client as fatal.
//
// Construction follows a functional-options New(ctx, ..., opts...) shape
// with a single entry point; teardown is Close. The runner installs no
// signal handling of its own (cmd/aimmd does that and then calls Close).
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/control"
	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/pkg/logger"
)

// Subscription names the topic prefixes one collaborator (backend or
// control) wants routed to it from the external event client.
type Subscription struct {
	Name     string
	Prefixes []string
}

// Match reports whether topic falls under one of the subscription's
// prefixes.
func (s Subscription) Match(topic string) bool {
	for _, p := range s.Prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// closer pairs a name (for logging) with a close function, so Close can
// report which collaborator failed without aborting the rest of the
// teardown.
type closer struct {
	name string
	fn   func() error
}

// Runner composes one backend, one engine, and any number of controls.
type Runner struct {
	log *logger.Logger

	be       backend.Backend
	beSub    Subscription
	eng      *engine.Engine
	controls []namedControl

	closers []closer

	mu     sync.Mutex
	closed bool
}

type namedControl struct {
	name string
	sub  Subscription
	c    control.Control
}

// pendingControl holds a control's subscription and deferred constructor
// until the engine exists to build it against.
type pendingControl struct {
	name  string
	sub   Subscription
	build func(*engine.Engine) (control.Control, error)
}

// Option configures a Runner under construction.
type Option func(*builder) error

type builder struct {
	log        *logger.Logger
	be         backend.Backend
	beSub      Subscription
	engineConf engine.Config
	controls   []pendingControl
}

// WithLogger overrides the default logger.
func WithLogger(log *logger.Logger) Option {
	return func(b *builder) error {
		b.log = log
		return nil
	}
}

// WithBackend installs the persistence backend and its event subscription
// (empty Prefixes means the backend never receives routed events).
func WithBackend(be backend.Backend, sub Subscription) Option {
	return func(b *builder) error {
		b.be = be
		b.beSub = sub
		return nil
	}
}

// WithEngineConfig sets the worker-pool/admission configuration the
// engine is constructed with.
func WithEngineConfig(conf engine.Config) Option {
	return func(b *builder) error {
		b.engineConf = conf
		return nil
	}
}

// WithControl registers a control surface, built from the constructed
// engine by buildFn, plus its event subscription.
func WithControl(name string, sub Subscription, buildFn func(*engine.Engine) (control.Control, error)) Option {
	return func(b *builder) error {
		b.controls = append(b.controls, pendingControl{name: name, sub: sub, build: buildFn})
		return nil
	}
}

// New builds backend, then engine, then every configured control, in
// that order.
func New(ctx context.Context, reg *registry.Registry, promReg prometheus.Registerer, opts ...Option) (*Runner, error) {
	b := &builder{log: logger.NewDefault("runner")}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("aimm: runner: option: %w", err)
		}
	}
	if b.be == nil {
		return nil, fmt.Errorf("aimm: runner: no backend configured")
	}

	r := &Runner{log: b.log, be: b.be, beSub: b.beSub}
	r.closers = append(r.closers, closer{name: "backend", fn: b.be.Close})

	eng, err := engine.New(ctx, b.engineConf, b.be, reg, promReg)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("aimm: runner: engine: %w", err)
	}
	r.eng = eng
	r.closers = append(r.closers, closer{name: "engine", fn: func() error { eng.Close(); return nil }})

	for _, nc := range b.controls {
		c, err := nc.build(eng)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("aimm: runner: control %q: %w", nc.name, err)
		}
		r.controls = append(r.controls, namedControl{name: nc.name, sub: nc.sub, c: c})
		r.closers = append(r.closers, closer{name: nc.name, fn: c.Close})
	}

	return r, nil
}

// Engine returns the running engine, for admin/diagnostic surfaces.
func (r *Runner) Engine() *engine.Engine {
	return r.eng
}

// RouteEvents dispatches an inbound batch from the external event client
// to every backend/control whose subscription prefix matches the event's
// topic.
func (r *Runner) RouteEvents(ctx context.Context, events []backend.Event) {
	byRecipient := make(map[int][]backend.Event)
	const backendSlot = -1
	for _, ev := range events {
		if r.beSub.Match(ev.Topic) {
			byRecipient[backendSlot] = append(byRecipient[backendSlot], ev)
		}
		for i, nc := range r.controls {
			if nc.sub.Match(ev.Topic) {
				byRecipient[i] = append(byRecipient[i], ev)
			}
		}
	}
	if evs, ok := byRecipient[backendSlot]; ok {
		if err := r.be.ProcessEvents(ctx, evs); err != nil {
			r.log.Warnf("runner: backend process_events: %v", err)
		}
	}
	for i, nc := range r.controls {
		evs, ok := byRecipient[i]
		if !ok {
			continue
		}
		if err := nc.c.ProcessEvents(ctx, evs); err != nil {
			r.log.Warnf("runner: control %q process_events: %v", nc.name, err)
		}
	}
}

// OnEventClientLost is called by whatever drives the external event
// client (e.g. a Redis connection) when it permanently loses that
// connection. Loss of the external client is treated as fatal: this logs
// and panics so the process's supervisor (systemd, the CLI's own main)
// restarts it rather than limping along with stale state.
func (r *Runner) OnEventClientLost(err error) {
	r.log.Errorf("runner: external event client lost: %v", err)
	panic(fmt.Errorf("aimm: runner: external event client lost: %w", err))
}

// Close tears down controls, then the engine, then the backend — the
// reverse of construction order.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			r.log.Warnf("runner: close %q: %v", c.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
