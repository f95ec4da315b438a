// Package session implements the interactive session control surface: a
// bidirectional websocket connection carrying
// login/logout/create_instance/add_instance/update_instance/fit/predict
// requests, gated by a JWT issued at login. Each connection runs its own
// goroutine; there is no shared hub.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hat-open/aimm/internal/aimm/action"
	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/control"
	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/pkg/logger"
)

// Credentials is a fixed username and the SHA-256 password hash (hex) a
// login request must present — the shared-secret check this control's
// authentication is limited to.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Config wires the session control's HTTP surface and auth material.
type Config struct {
	Path      string // mux route, e.g. "/session"
	JWTSecret []byte
	TokenTTL  time.Duration
	Creds     []Credentials

	// LoginRate and LoginBurst bound login attempts per username, guarding
	// handleLogin against a client hammering the password-hash comparison
	// (the comparison itself is constant-time, but unlimited attempts
	// still let a client brute-force a weak hash over enough requests).
	// Zero means the built-in default (1 req/s, burst 5).
	LoginRate  rate.Limit
	LoginBurst int
}

// Control is the interactive session control surface.
type Control struct {
	eng  *engine.Engine
	conf Config
	log  *logger.Logger

	upgrader websocket.Upgrader

	loginMu       sync.Mutex
	loginLimiters map[string]*rate.Limiter
}

// Claims is the JWT payload issued on successful login.
type Claims struct {
	Username string `json:"username"`
	jwt.StandardClaims
}

// Mount registers the session control's websocket route on router.
func Mount(eng *engine.Engine, conf Config, router *mux.Router, log *logger.Logger) *Control {
	if log == nil {
		log = logger.NewDefault("control.session")
	}
	if conf.TokenTTL == 0 {
		conf.TokenTTL = time.Hour
	}
	if conf.LoginRate == 0 {
		conf.LoginRate = 1
	}
	if conf.LoginBurst == 0 {
		conf.LoginBurst = 5
	}
	c := &Control{
		eng:  eng,
		conf: conf,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		loginLimiters: make(map[string]*rate.Limiter),
	}
	router.HandleFunc(conf.Path, c.serveWS)
	return c
}

// envelope is the tagged wire shape used for numeric arrays and tabular
// values; AIMM never interprets the payload, it only round-trips it for
// clients that do hold numpy/pandas.
type envelope struct {
	Type  string          `json:"type"`
	Dtype string          `json:"dtype,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type request struct {
	Op           string          `json:"op"`
	Username     string          `json:"username,omitempty"`
	PasswordHash string          `json:"password_hash,omitempty"`
	Token        string          `json:"token,omitempty"`
	ModelType    string          `json:"model_type,omitempty"`
	InstanceID   uint64          `json:"instance_id,omitempty"`
	Instance     string          `json:"instance,omitempty"` // base64
	Args         []json.RawMessage `json:"args,omitempty"`
	Kwargs       map[string]json.RawMessage `json:"kwargs,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
}

type response struct {
	RequestID  string `json:"request_id,omitempty"`
	Op         string `json:"op"`
	Token      string `json:"token,omitempty"`
	InstanceID uint64 `json:"instance_id,omitempty"`
	ModelType  string `json:"model_type,omitempty"`
	Instance   string `json:"instance,omitempty"`
	Error      string `json:"error,omitempty"`
}

type connState struct {
	mu            sync.Mutex
	authenticated bool
	username      string
}

func (c *Control) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warnf("session control: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	state := &connState{}
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("session control: read: %v", err)
			}
			return
		}
		resp := c.dispatch(r.Context(), state, req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (c *Control) dispatch(ctx context.Context, state *connState, req request) response {
	if req.Op == "login" {
		return c.handleLogin(state, req)
	}
	if req.Op == "logout" {
		state.mu.Lock()
		state.authenticated = false
		state.username = ""
		state.mu.Unlock()
		return response{Op: "logout", RequestID: req.RequestID}
	}

	state.mu.Lock()
	authed := state.authenticated
	state.mu.Unlock()
	if !authed && !c.validToken(req.Token, state) {
		return response{Op: req.Op, RequestID: req.RequestID, Error: aimmerr.ErrUnauthorized.Error()}
	}

	switch req.Op {
	case "create_instance":
		return c.handleCreateInstance(ctx, req)
	case "add_instance":
		return c.handleAddInstance(ctx, req)
	case "update_instance":
		return c.handleUpdateInstance(ctx, req)
	case "fit":
		return c.handleFitOrPredict(ctx, model.KindFit, req)
	case "predict":
		return c.handleFitOrPredict(ctx, model.KindPredict, req)
	default:
		return response{Op: req.Op, RequestID: req.RequestID, Error: "unknown op"}
	}
}

// validToken re-authenticates a connection whose token was issued on an
// earlier login but whose in-memory flag lapsed (e.g. after logout on the
// same socket with a client that still holds the token).
func (c *Control) validToken(token string, state *connState) bool {
	if token == "" {
		return false
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.conf.JWTSecret, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	state.mu.Lock()
	state.authenticated = true
	state.username = claims.Username
	state.mu.Unlock()
	return true
}

// loginLimiterFor returns (creating on first use) the per-username token
// bucket login attempts are charged against.
func (c *Control) loginLimiterFor(username string) *rate.Limiter {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	l, ok := c.loginLimiters[username]
	if !ok {
		l = rate.NewLimiter(c.conf.LoginRate, c.conf.LoginBurst)
		c.loginLimiters[username] = l
	}
	return l
}

func (c *Control) handleLogin(state *connState, req request) response {
	key := req.Username
	if key == "" {
		key = "unknown"
	}
	if !c.loginLimiterFor(key).Allow() {
		return response{Op: "login", RequestID: req.RequestID, Error: "login rate limit exceeded"}
	}

	ok := false
	for _, cred := range c.conf.Creds {
		if subtle.ConstantTimeCompare([]byte(cred.Username), []byte(req.Username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(cred.PasswordHash), []byte(req.PasswordHash)) == 1 {
			ok = true
			break
		}
	}
	if !ok {
		return response{Op: "login", RequestID: req.RequestID, Error: aimmerr.ErrUnauthorized.Error()}
	}

	now := time.Now()
	claims := &Claims{
		Username: req.Username,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(c.conf.TokenTTL).Unix(),
			Subject:   req.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.conf.JWTSecret)
	if err != nil {
		return response{Op: "login", RequestID: req.RequestID, Error: err.Error()}
	}

	state.mu.Lock()
	state.authenticated = true
	state.username = req.Username
	state.mu.Unlock()

	return response{Op: "login", RequestID: req.RequestID, Token: signed}
}

func decodeArgs(raw []json.RawMessage) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		args = append(args, decodeEnvelopeOrValue(r))
	}
	return args
}

func decodeKwargs(raw map[string]json.RawMessage) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = decodeEnvelopeOrValue(v)
	}
	return out
}

// decodeEnvelopeOrValue detects the numpy_array/pandas_dataframe/
// pandas_series tagged envelope and the data_access placeholder envelope,
// passing anything else through as a plain decoded JSON value.
func decodeEnvelopeOrValue(raw json.RawMessage) any {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		switch probe.Type {
		case "numpy_array", "pandas_dataframe", "pandas_series":
			var env envelope
			json.Unmarshal(raw, &env)
			return env
		case "data_access":
			var da struct {
				Name   string                     `json:"name"`
				Args   []json.RawMessage          `json:"args"`
				Kwargs map[string]json.RawMessage `json:"kwargs"`
			}
			json.Unmarshal(raw, &da)
			return model.DataAccess{Name: da.Name, Args: decodeArgs(da.Args), Kwargs: decodeKwargs(da.Kwargs)}
		}
	}
	var v any
	json.Unmarshal(raw, &v)
	return v
}

func (c *Control) handleCreateInstance(ctx context.Context, req request) response {
	h, err := c.eng.CreateInstance(ctx, req.ModelType, decodeArgs(req.Args), decodeKwargs(req.Kwargs))
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	result, err := h.WaitResult(ctx)
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	m := result.(model.Model)
	return modelResponse(req, m)
}

func (c *Control) handleAddInstance(ctx context.Context, req request) response {
	instanceBytes, err := base64.StdEncoding.DecodeString(req.Instance)
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	m, err := c.eng.AddInstance(ctx, req.ModelType, instanceBytes)
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	return modelResponse(req, m)
}

func (c *Control) handleUpdateInstance(ctx context.Context, req request) response {
	instanceBytes, err := base64.StdEncoding.DecodeString(req.Instance)
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	m := model.Model{InstanceID: req.InstanceID, ModelType: req.ModelType, Instance: instanceBytes}
	if err := c.eng.UpdateInstance(ctx, m); err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	return modelResponse(req, m)
}

func (c *Control) handleFitOrPredict(ctx context.Context, kind model.Kind, req request) response {
	var handle *action.Handle
	var runErr error
	if kind == model.KindFit {
		handle, runErr = c.eng.Fit(ctx, req.InstanceID, decodeArgs(req.Args), decodeKwargs(req.Kwargs))
	} else {
		handle, runErr = c.eng.Predict(ctx, req.InstanceID, decodeArgs(req.Args), decodeKwargs(req.Kwargs))
	}
	if runErr != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: runErr.Error()}
	}
	result, err := handle.WaitResult(ctx)
	if err != nil {
		return response{Op: req.Op, RequestID: req.RequestID, Error: err.Error()}
	}
	if kind == model.KindFit {
		m := result.(model.Model)
		return modelResponse(req, m)
	}
	b, _ := json.Marshal(result)
	return response{Op: req.Op, RequestID: req.RequestID, Instance: string(b)}
}

func modelResponse(req request, m model.Model) response {
	var instanceB64 string
	if b, ok := m.Instance.([]byte); ok {
		instanceB64 = base64.StdEncoding.EncodeToString(b)
	}
	return response{
		Op: req.Op, RequestID: req.RequestID,
		InstanceID: m.InstanceID, ModelType: m.ModelType, Instance: instanceB64,
	}
}

// ProcessEvents is unused: the session control is driven entirely by its
// own websocket connections, not the runner's event routing table.
func (c *Control) ProcessEvents(ctx context.Context, events []backend.Event) error {
	return nil
}

func (c *Control) Close() error { return nil }

var _ control.Control = (*Control)(nil)
