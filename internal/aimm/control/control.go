// Package control defines the contract a remote control surface implements
// to drive an Engine: accept inbound lifecycle requests,
// report state/action-status back out, and close cleanly when the engine
// or runner shuts down. Concrete surfaces live in sibling packages
// (eventbus, session).
package control

import (
	"context"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/engine"
)

// Control is a remote entry point into one Engine. A control's lifetime is
// bound to the engine it was built against: Close must not outlive it.
type Control interface {
	// ProcessEvents hands the control a batch of events routed to it by the
	// runner (e.g. inbound pub/sub messages for control/eventbus).
	ProcessEvents(ctx context.Context, events []backend.Event) error

	// Close releases the control's resources (listeners, subscriptions).
	Close() error
}

// Deps is the shared wiring every concrete control needs: the engine to
// drive (cancellation goes through the engine's CloseAction or an action
// handle's Close).
type Deps struct {
	Engine *engine.Engine
}
