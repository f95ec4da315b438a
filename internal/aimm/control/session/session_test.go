package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/model"
)

func testControl() *Control {
	return Mount(nil, Config{
		Path:      "/ws",
		JWTSecret: []byte("test-secret"),
		TokenTTL:  time.Hour,
		Creds:     []Credentials{{Username: "admin", PasswordHash: "deadbeef"}},
	}, mux.NewRouter(), nil)
}

func TestHandleLoginSuccess(t *testing.T) {
	c := testControl()
	state := &connState{}

	resp := c.handleLogin(state, request{Op: "login", Username: "admin", PasswordHash: "deadbeef"})
	require.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.Token)

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.True(t, state.authenticated)
	assert.Equal(t, "admin", state.username)
}

func TestHandleLoginWrongPassword(t *testing.T) {
	c := testControl()
	state := &connState{}

	resp := c.handleLogin(state, request{Op: "login", Username: "admin", PasswordHash: "wrong"})
	assert.NotEmpty(t, resp.Error)

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.False(t, state.authenticated)
}

func TestHandleLoginUnknownUser(t *testing.T) {
	c := testControl()
	resp := c.handleLogin(&connState{}, request{Op: "login", Username: "nobody", PasswordHash: "deadbeef"})
	assert.NotEmpty(t, resp.Error)
}

func TestHandleLoginRateLimitsRepeatedAttempts(t *testing.T) {
	c := testControl()
	c.conf.LoginRate = 0
	c.conf.LoginBurst = 2
	c.loginLimiters = map[string]*rate.Limiter{}

	req := request{Op: "login", Username: "admin", PasswordHash: "wrong"}
	for i := 0; i < 2; i++ {
		resp := c.handleLogin(&connState{}, req)
		assert.Equal(t, aimmerr.ErrUnauthorized.Error(), resp.Error)
	}

	resp := c.handleLogin(&connState{}, req)
	assert.Equal(t, "login rate limit exceeded", resp.Error)
}

func TestValidTokenRoundTrip(t *testing.T) {
	c := testControl()
	loginResp := c.handleLogin(&connState{}, request{Op: "login", Username: "admin", PasswordHash: "deadbeef"})
	require.NotEmpty(t, loginResp.Token)

	freshState := &connState{}
	assert.True(t, c.validToken(loginResp.Token, freshState))

	freshState.mu.Lock()
	defer freshState.mu.Unlock()
	assert.True(t, freshState.authenticated)
	assert.Equal(t, "admin", freshState.username)
}

func TestValidTokenRejectsGarbage(t *testing.T) {
	c := testControl()
	assert.False(t, c.validToken("not-a-jwt", &connState{}))
	assert.False(t, c.validToken("", &connState{}))
}

func TestValidTokenRejectsWrongSecret(t *testing.T) {
	c := testControl()
	loginResp := c.handleLogin(&connState{}, request{Op: "login", Username: "admin", PasswordHash: "deadbeef"})

	other := Mount(nil, Config{Path: "/ws", JWTSecret: []byte("different-secret"), Creds: []Credentials{{Username: "admin", PasswordHash: "deadbeef"}}}, mux.NewRouter(), nil)
	assert.False(t, other.validToken(loginResp.Token, &connState{}))
}

func TestDispatchRejectsUnauthenticatedNonLoginOps(t *testing.T) {
	c := testControl()
	resp := c.dispatch(nil, &connState{}, request{Op: "fit", InstanceID: 1})
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchLogout(t *testing.T) {
	c := testControl()
	state := &connState{authenticated: true, username: "admin"}

	resp := c.dispatch(nil, state, request{Op: "logout"})
	assert.Equal(t, "logout", resp.Op)

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.False(t, state.authenticated)
}

func TestDispatchUnknownOp(t *testing.T) {
	c := testControl()
	state := &connState{authenticated: true}
	resp := c.dispatch(nil, state, request{Op: "frobnicate"})
	assert.Equal(t, "unknown op", resp.Error)
}

func TestDecodeEnvelopeOrValuePassesThroughPlainValues(t *testing.T) {
	raw := json.RawMessage(`42`)
	v := decodeEnvelopeOrValue(raw)
	assert.Equal(t, float64(42), v)
}

func TestDecodeEnvelopeOrValueDecodesDataAccess(t *testing.T) {
	raw := json.RawMessage(`{"type":"data_access","name":"lookup","args":[1],"kwargs":{"k":"v"}}`)
	v := decodeEnvelopeOrValue(raw)
	da, ok := v.(model.DataAccess)
	require.True(t, ok)
	assert.Equal(t, "lookup", da.Name)
	assert.Equal(t, []any{float64(1)}, da.Args)
}

func TestDecodeEnvelopeOrValueDecodesNumpyEnvelope(t *testing.T) {
	raw := json.RawMessage(`{"type":"numpy_array","dtype":"float64","data":[1,2,3]}`)
	v := decodeEnvelopeOrValue(raw)
	env, ok := v.(envelope)
	require.True(t, ok)
	assert.Equal(t, "numpy_array", env.Type)
	assert.Equal(t, "float64", env.Dtype)
}

func TestDecodeArgsAndKwargs(t *testing.T) {
	args := decodeArgs([]json.RawMessage{json.RawMessage(`1`), json.RawMessage(`"two"`)})
	assert.Equal(t, []any{float64(1), "two"}, args)

	kwargs := decodeKwargs(map[string]json.RawMessage{"k": json.RawMessage(`true`)})
	assert.Equal(t, map[string]any{"k": true}, kwargs)

	assert.Nil(t, decodeKwargs(nil))
}
