package jsonfilebackend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	b, err := Open(path)
	require.NoError(t, err)

	models, err := b.GetModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestCreateModelPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	ctx := context.Background()

	b, err := Open(path)
	require.NoError(t, err)
	m, err := b.CreateModel(ctx, "widget", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.InstanceID)

	reopened, err := Open(path)
	require.NoError(t, err)
	models, err := reopened.GetModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "widget", models[0].ModelType)
	assert.Equal(t, []byte("payload"), models[0].Instance)
}

func TestUpdateModelPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	ctx := context.Background()

	b, err := Open(path)
	require.NoError(t, err)
	m, err := b.CreateModel(ctx, "widget", []byte("v1"))
	require.NoError(t, err)

	require.NoError(t, b.UpdateModel(ctx, m.InstanceID, "widget", []byte("v2")))

	reopened, err := Open(path)
	require.NoError(t, err)
	models, _ := reopened.GetModels(ctx)
	require.Len(t, models, 1)
	assert.Equal(t, []byte("v2"), models[0].Instance)
}

func TestNextIDSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	ctx := context.Background()

	b, err := Open(path)
	require.NoError(t, err)
	_, _ = b.CreateModel(ctx, "widget", []byte("a"))

	reopened, err := Open(path)
	require.NoError(t, err)
	m2, err := reopened.CreateModel(ctx, "widget", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m2.InstanceID)
}

func TestOpenCreatesParentDirectoryOnFirstWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "models.json")
	b, err := Open(path)
	require.NoError(t, err)

	_, err = b.CreateModel(context.Background(), "widget", []byte("a"))
	require.NoError(t, err)
}
