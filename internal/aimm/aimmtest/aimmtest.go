// Package aimmtest collects fakes shared across package tests: a
// backend.Backend recording every call for assertion, with injectable
// failures, in the same spirit as the mock bus client used elsewhere in
// this codebase's test suites — record operations behind a mutex, expose
// them through getters returning defensive copies, and let a test inject
// exactly the failure it wants to exercise.
package aimmtest

import (
	"context"
	"sync"
	"testing"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Backend is an in-memory backend.Backend whose every call is recorded for
// later assertion and whose failures are injected rather than triggered by
// real I/O.
type Backend struct {
	mu sync.Mutex

	nextID uint64
	rows   map[uint64]row
	onChange backend.ModelChangeCallback

	getModelsCalls  int
	createCalls     []CreateCall
	updateCalls     []UpdateCall
	processedEvents []backend.Event
	closed          bool

	GetModelsErr error
	CreateErr    error
	UpdateErr    error
	ProcessErr   error
	CloseErr     error
}

type row struct {
	modelType string
	bytes     []byte
}

// CreateCall records one CreateModel invocation.
type CreateCall struct {
	ModelType string
	Bytes     []byte
}

// UpdateCall records one UpdateModel invocation.
type UpdateCall struct {
	InstanceID uint64
	ModelType  string
	Bytes      []byte
}

// NewBackend returns an empty fake backend with ids allocated from 1.
func NewBackend() *Backend {
	return &Backend{rows: make(map[uint64]row), nextID: 1}
}

func (b *Backend) GetModels(ctx context.Context) ([]model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getModelsCalls++
	if b.GetModelsErr != nil {
		return nil, b.GetModelsErr
	}
	out := make([]model.Model, 0, len(b.rows))
	for id, r := range b.rows {
		out = append(out, model.Model{InstanceID: id, ModelType: r.modelType, Instance: r.bytes})
	}
	return out, nil
}

func (b *Backend) CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCalls = append(b.createCalls, CreateCall{ModelType: modelType, Bytes: instanceBytes})
	if b.CreateErr != nil {
		return model.Model{}, b.CreateErr
	}
	id := b.nextID
	b.nextID++
	b.rows[id] = row{modelType: modelType, bytes: instanceBytes}
	return model.Model{InstanceID: id, ModelType: modelType}, nil
}

func (b *Backend) UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCalls = append(b.updateCalls, UpdateCall{InstanceID: instanceID, ModelType: modelType, Bytes: instanceBytes})
	if b.UpdateErr != nil {
		return b.UpdateErr
	}
	b.rows[instanceID] = row{modelType: modelType, bytes: instanceBytes}
	return nil
}

func (b *Backend) RegisterModelChangeCallback(cb backend.ModelChangeCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = cb
}

func (b *Backend) ProcessEvents(ctx context.Context, events []backend.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processedEvents = append(b.processedEvents, events...)
	return b.ProcessErr
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.CloseErr
}

// FireModelChange invokes the registered callback, if any, simulating an
// out-of-band model replacement observed by a real backend (another
// process writing through the same event bus).
func (b *Backend) FireModelChange(instanceID uint64, modelType string, instanceBytes []byte) {
	b.mu.Lock()
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil {
		cb(instanceID, modelType, instanceBytes)
	}
}

// Seed inserts a row directly, bypassing CreateModel, for tests that need
// GetModels to return pre-existing state.
func (b *Backend) Seed(instanceID uint64, modelType string, instanceBytes []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[instanceID] = row{modelType: modelType, bytes: instanceBytes}
	if instanceID >= b.nextID {
		b.nextID = instanceID + 1
	}
}

// CreateCalls returns a defensive copy of every CreateModel call recorded
// so far.
func (b *Backend) CreateCalls() []CreateCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CreateCall, len(b.createCalls))
	copy(out, b.createCalls)
	return out
}

// UpdateCalls returns a defensive copy of every UpdateModel call recorded
// so far.
func (b *Backend) UpdateCalls() []UpdateCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]UpdateCall, len(b.updateCalls))
	copy(out, b.updateCalls)
	return out
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// GetModelsCalls reports how many times GetModels was invoked.
func (b *Backend) GetModelsCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getModelsCalls
}

// AssertCreateCount fails the test unless exactly n CreateModel calls were
// recorded.
func (b *Backend) AssertCreateCount(t *testing.T, n int) {
	t.Helper()
	if got := len(b.CreateCalls()); got != n {
		t.Errorf("aimmtest: CreateModel call count = %d, want %d", got, n)
	}
}

var _ backend.Backend = (*Backend)(nil)
