// Package backend defines the persistence contract the Engine drives
// and a shared ModelChangeCallback type. Concrete backends
// live in sibling packages (memorybackend, sqlbackend, eventbusbackend,
// jsonfilebackend).
package backend

import (
	"context"

	"github.com/hat-open/aimm/internal/aimm/model"
)

// ModelChangeCallback is invoked when a backend observes an out-of-band
// model replacement (e.g. another process writing through the same event
// bus). instanceBytes is still in the backend's serialized form — the
// engine, not the backend, holds the deserialize plugin. Default behavior
// for backends that never observe this is a no-op.
type ModelChangeCallback func(instanceID uint64, modelType string, instanceBytes []byte)

// Backend persists (instance_id, model_type, instance-bytes) triples. The
// engine never writes to the backend directly; the Serialize/Deserialize
// plugins bridge opaque in-memory instances to the bytes a backend stores.
type Backend interface {
	// GetModels repopulates the in-memory registry on engine startup.
	GetModels(ctx context.Context) ([]model.Model, error)

	// CreateModel persists a newly instantiated model and returns it with
	// its assigned instance_id. Allocation policy is backend-specific.
	CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error)

	// UpdateModel replaces the stored bytes for an existing instance_id.
	// Idempotent.
	UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error

	// RegisterModelChangeCallback installs a callback for out-of-band
	// model replacements. Backends that never observe these may ignore it.
	RegisterModelChangeCallback(cb ModelChangeCallback)

	// ProcessEvents hands the backend a batch of events it subscribed to
	// via the runner's routing table. Default: log-and-drop.
	ProcessEvents(ctx context.Context, events []Event) error

	// Close releases backend resources (connections, file handles).
	Close() error
}

// Event is the runner's minimal envelope for anything routed to a
// Backend's or Control's ProcessEvents — topic plus raw payload, left for
// the recipient to decode.
type Event struct {
	Topic   string
	Payload []byte
}
