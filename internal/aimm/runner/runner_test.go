package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/aimm/internal/aimm/aimmtest"
	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/control"
	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/internal/aimm/registry"
)

// fakeControl records ProcessEvents/Close calls, in the same recorded-call
// shape as aimmtest.Backend.
type fakeControl struct {
	mu        sync.Mutex
	processed []backend.Event
	closed    bool
	closeErr  error
}

func (f *fakeControl) ProcessEvents(ctx context.Context, events []backend.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, events...)
	return nil
}

func (f *fakeControl) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

var _ control.Control = (*fakeControl)(nil)

func TestSubscriptionMatch(t *testing.T) {
	sub := Subscription{Prefixes: []string{"aimm/fit", "aimm/predict"}}
	assert.True(t, sub.Match("aimm/fit/1"))
	assert.True(t, sub.Match("aimm/predict/2"))
	assert.False(t, sub.Match("aimm/cancel"))
}

func TestSubscriptionMatchEmptyPrefixesMatchesNothing(t *testing.T) {
	sub := Subscription{}
	assert.False(t, sub.Match("anything"))
}

func testEngineConfig() engine.Config {
	return engine.Config{MaxChildren: 1, CheckPeriod: 10 * time.Millisecond, SigtermTimeout: time.Second, WorkerArgv0: "", WorkerArg: ""}
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(context.Background(), registry.New(), nil)
	assert.Error(t, err)
}

func TestNewWiresBackendEngineAndControls(t *testing.T) {
	fc := &fakeControl{}
	r, err := New(context.Background(), registry.New(), nil,
		WithBackend(aimmtest.NewBackend(), Subscription{Prefixes: []string{"aimm/models"}}),
		WithEngineConfig(testEngineConfig()),
		WithControl("test", Subscription{Prefixes: []string{"aimm/fit"}}, func(eng *engine.Engine) (control.Control, error) {
			return fc, nil
		}),
	)
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.Engine())
}

func TestNewSurfacesControlBuildError(t *testing.T) {
	_, err := New(context.Background(), registry.New(), nil,
		WithBackend(aimmtest.NewBackend(), Subscription{}),
		WithEngineConfig(testEngineConfig()),
		WithControl("broken", Subscription{}, func(eng *engine.Engine) (control.Control, error) {
			return nil, errors.New("boom")
		}),
	)
	assert.Error(t, err)
}

func TestRouteEventsDispatchesToMatchingRecipients(t *testing.T) {
	be := aimmtest.NewBackend()
	fc := &fakeControl{}
	r, err := New(context.Background(), registry.New(), nil,
		WithBackend(be, Subscription{Prefixes: []string{"aimm/models"}}),
		WithEngineConfig(testEngineConfig()),
		WithControl("test", Subscription{Prefixes: []string{"aimm/fit"}}, func(eng *engine.Engine) (control.Control, error) {
			return fc, nil
		}),
	)
	require.NoError(t, err)
	defer r.Close()

	events := []backend.Event{
		{Topic: "aimm/models/1", Payload: []byte("a")},
		{Topic: "aimm/fit/1", Payload: []byte("b")},
		{Topic: "aimm/unrelated", Payload: []byte("c")},
	}
	r.RouteEvents(context.Background(), events)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.processed, 1)
	assert.Equal(t, "aimm/fit/1", fc.processed[0].Topic)
}

func TestCloseTearsDownBackendAndControlsAndIsIdempotent(t *testing.T) {
	be := aimmtest.NewBackend()
	fc := &fakeControl{}
	r, err := New(context.Background(), registry.New(), nil,
		WithBackend(be, Subscription{}),
		WithEngineConfig(testEngineConfig()),
		WithControl("test", Subscription{}, func(eng *engine.Engine) (control.Control, error) {
			return fc, nil
		}),
	)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, be.Closed())
	assert.True(t, fc.closed)

	// Second Close must be a no-op, not double-close anything.
	assert.NoError(t, r.Close())
}

func TestOnEventClientLostPanics(t *testing.T) {
	be := aimmtest.NewBackend()
	r, err := New(context.Background(), registry.New(), nil,
		WithBackend(be, Subscription{}),
		WithEngineConfig(testEngineConfig()),
	)
	require.NoError(t, err)
	defer r.Close()

	assert.Panics(t, func() { r.OnEventClientLost(errors.New("connection dropped")) })
}
