package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/model"
)

func echoFunc(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return args, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	desc := model.PluginDescriptor{Kind: KindDataAccess, Key: "echo"}
	require.NoError(t, r.Register(KindDataAccess, "echo", desc, echoFunc))

	gotDesc, fn, err := r.Lookup(KindDataAccess, "echo")
	require.NoError(t, err)
	assert.Equal(t, desc, gotDesc)
	assert.NotNil(t, fn)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	desc := model.PluginDescriptor{Kind: KindDataAccess, Key: "echo"}
	require.NoError(t, r.Register(KindDataAccess, "echo", desc, echoFunc))

	err := r.Register(KindDataAccess, "echo", desc, echoFunc)
	require.Error(t, err)
	assert.ErrorIs(t, err, aimmerr.ErrDuplicatePlugin)
}

func TestLookupUnknownPlugin(t *testing.T) {
	r := New()
	_, _, err := r.Lookup(KindFit, "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, aimmerr.ErrUnknownPlugin)
}

func TestLookupUnknownKind(t *testing.T) {
	r := New()
	_, _, err := r.Lookup("not_a_kind", "anything")
	require.Error(t, err)
}

func TestRegisterUnifiedClassBindsAllFiveKinds(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterUnifiedClass(UnifiedClass{
		ModelType:   "widget",
		Instantiate: echoFunc,
		Fit:         echoFunc,
		Predict:     echoFunc,
		Serialize:   echoFunc,
		Deserialize: echoFunc,
	}))

	for _, kind := range []string{KindInstantiate, KindFit, KindPredict, KindSerialize, KindDeserialize} {
		_, fn, err := r.Lookup(kind, "widget")
		require.NoErrorf(t, err, "kind %s", kind)
		assert.NotNil(t, fn)
	}
}

func TestRegisterUnifiedClassAtomicOnConflict(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(KindFit, "widget", model.PluginDescriptor{}, echoFunc))

	err := r.RegisterUnifiedClass(UnifiedClass{
		ModelType:   "widget",
		Instantiate: echoFunc,
		Fit:         echoFunc,
		Predict:     echoFunc,
		Serialize:   echoFunc,
		Deserialize: echoFunc,
	})
	require.Error(t, err)

	// Instantiate must not have been bound by the failed, partially-applied
	// attempt above.
	_, _, err = r.Lookup(KindInstantiate, "widget")
	assert.Error(t, err)
}

func TestRegisterScriptAndLookupScript(t *testing.T) {
	r := New()
	desc := model.PluginDescriptor{Kind: KindFit, Key: "scripted"}
	require.NoError(t, r.RegisterScript(KindFit, "scripted", desc, "function(args){return args;}"))

	gotDesc, source, ok := r.LookupScript(KindFit, "scripted")
	require.True(t, ok)
	assert.Equal(t, desc, gotDesc)
	assert.Contains(t, source, "return args")

	_, _, ok = r.LookupScript(KindFit, "missing")
	assert.False(t, ok)
}

func TestTeardownClearsRegistrations(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(KindDataAccess, "echo", model.PluginDescriptor{}, echoFunc))

	r.Teardown()

	_, _, err := r.Lookup(KindDataAccess, "echo")
	assert.Error(t, err)
}

func TestBuildArgsInjectsInstancePositionally(t *testing.T) {
	desc := model.PluginDescriptor{}
	args, kwargs, err := BuildArgs(desc, []any{1, 2}, map[string]any{"k": "v"}, "instance", true)
	require.NoError(t, err)
	assert.Equal(t, []any{"instance", 1, 2}, args)
	assert.Equal(t, map[string]any{"k": "v"}, kwargs)
}

func TestBuildArgsInjectsInstanceByKeyword(t *testing.T) {
	desc := model.PluginDescriptor{InstanceArgName: "model"}
	args, kwargs, err := BuildArgs(desc, []any{1}, nil, "instance", true)
	require.NoError(t, err)
	assert.Equal(t, []any{1}, args)
	assert.Equal(t, "instance", kwargs["model"])
}

func TestBuildArgsNoInstanceWhenHasInstanceFalse(t *testing.T) {
	desc := model.PluginDescriptor{}
	args, _, err := BuildArgs(desc, []any{1, 2}, nil, "instance", false)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, args)
}

func TestBuildArgsConflictingKeyword(t *testing.T) {
	desc := model.PluginDescriptor{StateCallbackArgName: "cb"}
	_, _, err := BuildArgs(desc, nil, map[string]any{"cb": "already set"}, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, aimmerr.ErrConflictingKeyword)
}

func TestBuildArgsDoesNotMutateInputs(t *testing.T) {
	desc := model.PluginDescriptor{}
	origArgs := []any{1, 2}
	origKwargs := map[string]any{"k": "v"}

	_, _, err := BuildArgs(desc, origArgs, origKwargs, "instance", true)
	require.NoError(t, err)

	assert.Equal(t, []any{1, 2}, origArgs)
	assert.Equal(t, map[string]any{"k": "v"}, origKwargs)
}
