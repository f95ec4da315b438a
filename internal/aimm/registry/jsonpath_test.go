package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONPathDataAccess(t *testing.T) {
	fn := JSONPathDataAccess()
	doc := map[string]any{
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	}

	result, err := fn(context.Background(), []any{doc}, map[string]any{"path": "$.items[1].id"})
	require.NoError(t, err)
	assert.Equal(t, "b", result)
}

func TestJSONPathDataAccessMissingDocument(t *testing.T) {
	fn := JSONPathDataAccess()
	_, err := fn(context.Background(), nil, map[string]any{"path": "$.x"})
	assert.Error(t, err)
}

func TestJSONPathDataAccessMissingPath(t *testing.T) {
	fn := JSONPathDataAccess()
	_, err := fn(context.Background(), []any{map[string]any{}}, nil)
	assert.Error(t, err)
}

func TestJSONPathDataAccessInvalidExpression(t *testing.T) {
	fn := JSONPathDataAccess()
	_, err := fn(context.Background(), []any{map[string]any{}}, map[string]any{"path": "$.["})
	assert.Error(t, err)
}
