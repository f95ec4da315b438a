package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/aimm/internal/aimm/model"
)

func TestResolveExactlyOnce(t *testing.T) {
	h := New(model.ActionMeta{Kind: model.KindCreate}, nil, func() {})

	h.Resolve("first", nil)
	h.Resolve("second", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := h.WaitResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestWaitResultBlocksUntilResolved(t *testing.T) {
	h := New(model.ActionMeta{Kind: model.KindFit}, nil, func() {})

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Resolve(42, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := h.WaitResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWaitResultRespectsContextCancellation(t *testing.T) {
	h := New(model.ActionMeta{Kind: model.KindPredict}, nil, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := h.WaitResult(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseCancelsInFlightAction(t *testing.T) {
	var cancelled bool
	h := New(model.ActionMeta{Kind: model.KindFit}, nil, func() { cancelled = true })

	h.Close()
	assert.True(t, cancelled)
}

func TestCloseIsNoOpAfterResolve(t *testing.T) {
	var calls int
	h := New(model.ActionMeta{Kind: model.KindFit}, nil, func() { calls++ })

	h.Resolve("done", nil)
	h.Close()
	h.Close()

	assert.Equal(t, 0, calls)
}

func TestResolvedFor(t *testing.T) {
	h := New(model.ActionMeta{Kind: model.KindCreate}, nil, func() {})
	assert.False(t, h.ResolvedFor(0))

	h.Resolve("v", nil)
	assert.True(t, h.ResolvedFor(0))
	assert.False(t, h.ResolvedFor(time.Hour))
}

func TestDoneChannelClosesOnResolve(t *testing.T) {
	h := New(model.ActionMeta{Kind: model.KindCreate}, nil, func() {})
	select {
	case <-h.Done():
		t.Fatal("Done() closed before Resolve")
	default:
	}

	h.Resolve(nil, nil)
	select {
	case <-h.Done():
	default:
		t.Fatal("Done() did not close after Resolve")
	}
}
