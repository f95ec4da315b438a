package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/aimm/internal/aimm/aimmtest"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/registry"
)

func TestStartActionGCReclaimsOnSchedule(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	h, _ := e.beginAction(context.Background(), model.ActionMeta{Kind: model.KindCreate})
	h.Resolve("done", nil)

	c, err := e.StartActionGC("@every 20ms", 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(e.ActionIDs()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartActionGCRejectsInvalidSchedule(t *testing.T) {
	e, err := New(context.Background(), testConfig(), aimmtest.NewBackend(), registry.New(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.StartActionGC("not a valid schedule", time.Minute)
	assert.Error(t, err)
}
