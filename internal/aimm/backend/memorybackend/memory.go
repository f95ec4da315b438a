// Package memorybackend implements the Dummy backend: pure in-memory
// storage behind a mutex-guarded map, with counter-allocated instance ids
// and no durability. Useful for tests and local development.
package memorybackend

import (
	"context"
	"sync"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Backend is the Dummy backend: an in-process map keyed by instance_id.
type Backend struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]row
	onChange backend.ModelChangeCallback
}

type row struct {
	modelType string
	bytes     []byte
}

// New creates an empty Dummy backend.
func New() *Backend {
	return &Backend{rows: make(map[uint64]row), nextID: 1}
}

func (b *Backend) GetModels(ctx context.Context) ([]model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Model, 0, len(b.rows))
	for id, r := range b.rows {
		out = append(out, model.Model{InstanceID: id, ModelType: r.modelType, Instance: r.bytes})
	}
	return out, nil
}

func (b *Backend) CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.rows[id] = row{modelType: modelType, bytes: instanceBytes}
	return model.Model{InstanceID: id, ModelType: modelType}, nil
}

func (b *Backend) UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[instanceID] = row{modelType: modelType, bytes: instanceBytes}
	return nil
}

func (b *Backend) RegisterModelChangeCallback(cb backend.ModelChangeCallback) {
	b.mu.Lock()
	b.onChange = cb
	b.mu.Unlock()
}

// ProcessEvents is a no-op: the Dummy backend has no external event source
// to observe.
func (b *Backend) ProcessEvents(ctx context.Context, events []backend.Event) error {
	return nil
}

func (b *Backend) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
