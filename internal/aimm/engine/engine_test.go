package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/aimm/internal/aimm/aimmtest"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/internal/aimm/worker"
)

// engineHelperEnv gates the one test that re-execs this test binary (the
// same os.Args[0] trick cmd/aimmd/main.go uses for its real worker
// children) so create/fit/predict run against an actual child process
// instead of only this package's in-memory bookkeeping.
const engineHelperEnv = "AIMM_ENGINE_HELPER_PROCESS"

func testConfig() Config {
	return Config{
		MaxChildren:    2,
		CheckPeriod:    10 * time.Millisecond,
		SigtermTimeout: time.Second,
		WorkerArgv0:    "",
		WorkerArg:      "",
	}
}

func TestNewEmptyBackend(t *testing.T) {
	be := aimmtest.NewBackend()
	e, err := New(context.Background(), testConfig(), be, registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	assert.Empty(t, e.Models())
	assert.Equal(t, 1, be.GetModelsCalls())
}

func TestNewSurfacesBackendError(t *testing.T) {
	be := aimmtest.NewBackend()
	be.GetModelsErr = assert.AnError

	_, err := New(context.Background(), testConfig(), be, registry.New(), nil)
	assert.Error(t, err)
}

func TestNewFailsWhenExistingModelCannotDeserialize(t *testing.T) {
	be := aimmtest.NewBackend()
	be.Seed(1, "widget", []byte("not-really-serialized"))

	// The registry has no deserialize plugin for "widget", so the lookup
	// fails before any child is spawned; New must surface that as a startup
	// error rather than hang.
	_, err := New(context.Background(), testConfig(), be, registry.New(), nil)
	assert.Error(t, err)
}

func TestOnBackendModelChangeIsRegistered(t *testing.T) {
	be := aimmtest.NewBackend()
	_, err := New(context.Background(), testConfig(), be, registry.New(), nil)
	require.NoError(t, err)

	// RegisterModelChangeCallback must have been called with a non-nil
	// callback during New; firing it once, with no deserialize plugin
	// registered, must not panic.
	be.FireModelChange(99, "widget", []byte("irrelevant-without-a-deserialize-plugin"))
}

func TestActionLifecycle(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	meta := model.ActionMeta{Kind: model.KindCreate, ModelType: "widget"}
	h, _ := e.beginAction(context.Background(), meta)

	got, ok := e.Action(0)
	assert.False(t, ok, "action ids start at 1")

	ids := e.ActionIDs()
	require.Len(t, ids, 1)
	id := ids[0]

	got, ok = e.Action(id)
	require.True(t, ok)
	assert.Equal(t, h, got)

	assert.True(t, e.CloseAction(id))
	assert.False(t, e.CloseAction(id+1))
}

func TestGCTerminalActionsRemovesOnlyGivenIDs(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, _ = e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindCreate})
	_, _ = e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindFit})

	ids := e.ActionIDs()
	require.Len(t, ids, 2)

	e.GCTerminalActions(ids[:1])
	assert.Len(t, e.ActionIDs(), 1)
}

func TestSweepTerminalActionsReclaimsOnlyResolvedPastGrace(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	h1, _ := e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindCreate})
	_, _ = e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindFit})

	h1.Resolve("done", nil)
	time.Sleep(20 * time.Millisecond)

	e.sweepTerminalActions(10 * time.Millisecond)

	ids := e.ActionIDs()
	require.Len(t, ids, 1)
	_, stillThere := e.Action(ids[0])
	assert.True(t, stillThere)
}

func TestSweepTerminalActionsLeavesUnresolvedActions(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, _ = e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindCreate})

	e.sweepTerminalActions(0)
	assert.Len(t, e.ActionIDs(), 1, "an unresolved action must never be reclaimed")
}

func TestSetModelAndModels(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	e.setModel(model.Model{InstanceID: 5, ModelType: "widget", Instance: "payload"})

	models := e.Models()
	require.Len(t, models, 1)
	assert.Equal(t, uint64(5), models[0].InstanceID)

	got, ok := e.modelByID(5)
	require.True(t, ok)
	assert.Equal(t, "payload", got.Instance)

	_, ok = e.modelByID(6)
	assert.False(t, ok)
}

func TestLockForReturnsSameLockForSameID(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	l1 := e.lockFor(1)
	l2 := e.lockFor(1)
	assert.Same(t, l1, l2)

	l3 := e.lockFor(2)
	assert.NotSame(t, l1, l3)
}

func TestInstanceLockSerializesAcquireRelease(t *testing.T) {
	l := newInstanceLock()
	ctx := context.Background()

	require.NoError(t, l.acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = l.acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	l.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestInstanceLockAcquireNeverTakesLockWhenContextAlreadyDone(t *testing.T) {
	l := newInstanceLock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.acquire(ctx)
	assert.Error(t, err)

	// The lock must still be free: a fresh acquire succeeds immediately.
	require.NoError(t, l.acquire(context.Background()))
}

// TestCreateFitPredictRoundTripsThroughRealWorkerProcess re-execs this test
// binary as a worker child (pointed at TestEngineHelperProcess below via
// -test.run, exactly the re-exec workerpool and worker already exercise in
// their own packages) and drives CreateInstance, Fit, and Predict end to
// end through the pool, the real process boundary, and back — rather than
// only the in-memory bookkeeping every other test in this file covers.
func TestCreateFitPredictRoundTripsThroughRealWorkerProcess(t *testing.T) {
	t.Setenv(engineHelperEnv, "1")

	reg := registry.New()
	require.NoError(t, reg.RegisterUnifiedClass(registry.UnifiedClass{ModelType: "widget"}))

	conf := testConfig()
	conf.WorkerArgv0 = os.Args[0]
	conf.WorkerArg = "-test.run=^TestEngineHelperProcess$"

	e, err := New(context.Background(), conf, aimmtest.NewBackend(), reg, nil)
	require.NoError(t, err)
	defer e.Close()

	createHandle, err := e.CreateInstance(context.Background(), "widget", []any{"seed"}, nil)
	require.NoError(t, err)
	createResult, err := createHandle.WaitResult(context.Background())
	require.NoError(t, err)
	m, ok := createResult.(model.Model)
	require.True(t, ok)
	assert.Equal(t, "widget:seed", m.Instance)

	fitHandle, err := e.Fit(context.Background(), m.InstanceID, []any{"more"}, nil)
	require.NoError(t, err)
	fitResult, err := fitHandle.WaitResult(context.Background())
	require.NoError(t, err)
	fitModel, ok := fitResult.(model.Model)
	require.True(t, ok)
	assert.Equal(t, "widget:seed+more", fitModel.Instance)

	predictHandle, err := e.Predict(context.Background(), m.InstanceID, []any{"query"}, nil)
	require.NoError(t, err)
	predictResult, err := predictHandle.WaitResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "predicted:widget:seed+more:query", predictResult)
}

// TestEngineHelperProcess is not a real test: invoked directly it always
// skips. It only becomes a worker child, with builtins matching the
// "widget" UnifiedClass registered above, when re-exec'd by
// TestCreateFitPredictRoundTripsThroughRealWorkerProcess.
func TestEngineHelperProcess(t *testing.T) {
	if os.Getenv(engineHelperEnv) != "1" {
		t.Skip("only runs as a re-exec'd engine helper")
	}

	worker.RegisterBuiltin(registry.KindInstantiate, "widget", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return fmt.Sprintf("widget:%v", args[0]), nil
	})
	worker.RegisterBuiltin(registry.KindFit, "widget", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return fmt.Sprintf("%v+%v", args[0], args[1]), nil
	})
	worker.RegisterBuiltin(registry.KindPredict, "widget", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return fmt.Sprintf("predicted:%v:%v", args[0], args[1]), nil
	})
	worker.RegisterBuiltin(registry.KindSerialize, "widget", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return []byte(fmt.Sprintf("%v", args[0])), nil
	})
	worker.RegisterBuiltin(registry.KindDeserialize, "widget", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return fmt.Sprintf("%s", args[0]), nil
	})

	worker.Main()
}
