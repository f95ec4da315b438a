// Package eventbus implements the Event-bus control surface: one prefix
// per lifecycle operation (create_instance, add_instance, update_instance,
// fit, predict, cancel), correlated by request_id, with state and
// action-state events published back out over Redis pub/sub. Payloads are
// decoded loosely with gjson rather than strict struct unmarshalling.
package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/hat-open/aimm/internal/aimm/action"
	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/control"
	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/pkg/logger"
)

// Prefixes names the Redis channel prefix for each inbound operation.
type Prefixes struct {
	CreateInstance string
	AddInstance    string
	UpdateInstance string
	Fit            string
	Predict        string
	Cancel         string

	StateEventType       string
	ActionStateEventType string
}

// Control is the Event-bus control surface.
type Control struct {
	eng    *engine.Engine
	client *redis.Client
	prefix Prefixes
	log    *logger.Logger

	mu           sync.Mutex
	cancel       func()
	correlations map[string]*action.Handle
}

// Open subscribes to every configured prefix and starts publishing engine
// state changes to prefix.StateEventType.
func Open(ctx context.Context, eng *engine.Engine, client *redis.Client, prefix Prefixes, log *logger.Logger) *Control {
	if log == nil {
		log = logger.NewDefault("control.eventbus")
	}
	c := &Control{eng: eng, client: client, prefix: prefix, log: log}

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	eng.Root().Subscribe(func() {
		c.publishState()
	})

	patterns := []string{
		prefix.CreateInstance, prefix.AddInstance + "/*", prefix.UpdateInstance + "/*",
		prefix.Fit + "/*", prefix.Predict + "/*", prefix.Cancel,
	}
	sub := client.PSubscribe(subCtx, patterns...)
	go c.listen(subCtx, sub)

	return c
}

func (c *Control) listen(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (c *Control) handle(ctx context.Context, channel string, payload []byte) {
	switch {
	case channel == c.prefix.CreateInstance:
		c.handleCreateInstance(ctx, payload)
	case channel == c.prefix.AddInstance || strings.HasPrefix(channel, c.prefix.AddInstance+"/"):
		c.handleAddInstance(ctx, payload)
	case strings.HasPrefix(channel, c.prefix.UpdateInstance+"/"):
		c.handleUpdateInstance(ctx, channel, payload)
	case strings.HasPrefix(channel, c.prefix.Fit+"/"):
		c.handleFitOrPredict(ctx, model.KindFit, channel, payload)
	case strings.HasPrefix(channel, c.prefix.Predict+"/"):
		c.handleFitOrPredict(ctx, model.KindPredict, channel, payload)
	case channel == c.prefix.Cancel:
		c.handleCancel(payload)
	default:
		c.log.Warnf("eventbus control: unmatched channel %q", channel)
	}
}

func instanceIDFromChannel(prefix, channel string) (uint64, bool) {
	idStr := strings.TrimPrefix(channel, prefix+"/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	return id, err == nil
}

func decodeArgsKwargs(result gjson.Result) ([]any, map[string]any) {
	var args []any
	for _, v := range result.Get("args").Array() {
		args = append(args, decodeValue(v))
	}
	var kwargs map[string]any
	if kw := result.Get("kwargs"); kw.IsObject() {
		kwargs = make(map[string]any)
		kw.ForEach(func(k, v gjson.Result) bool {
			kwargs[k.String()] = decodeValue(v)
			return true
		})
	}
	return args, kwargs
}

// decodeValue turns a gjson value into either a plain Go scalar or a
// model.DataAccess placeholder, decoded from the
// `{type: "data_access", name, args, kwargs}` envelope.
func decodeValue(v gjson.Result) any {
	if v.IsObject() && v.Get("type").String() == "data_access" {
		args, kwargs := decodeArgsKwargs(v)
		return model.DataAccess{Name: v.Get("name").String(), Args: args, Kwargs: kwargs}
	}
	return v.Value()
}

func (c *Control) handleCreateInstance(ctx context.Context, payload []byte) {
	result := gjson.ParseBytes(payload)
	modelType := result.Get("model_type").String()
	requestID := result.Get("request_id").String()
	args, kwargs := decodeArgsKwargs(result)

	h, err := c.eng.CreateInstance(ctx, modelType, args, kwargs)
	if err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	c.trackAction(requestID, h)
}

func (c *Control) handleAddInstance(ctx context.Context, payload []byte) {
	result := gjson.ParseBytes(payload)
	modelType := result.Get("model_type").String()
	requestID := result.Get("request_id").String()
	instanceBytes, err := base64.StdEncoding.DecodeString(result.Get("instance").String())
	if err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	if _, err := c.eng.AddInstance(ctx, modelType, instanceBytes); err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	c.publishActionState(requestID, "DONE", nil)
}

func (c *Control) handleUpdateInstance(ctx context.Context, channel string, payload []byte) {
	id, ok := instanceIDFromChannel(c.prefix.UpdateInstance, channel)
	if !ok {
		return
	}
	result := gjson.ParseBytes(payload)
	modelType := result.Get("model_type").String()
	requestID := result.Get("request_id").String()
	instanceBytes, err := base64.StdEncoding.DecodeString(result.Get("instance").String())
	if err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	m := model.Model{InstanceID: id, ModelType: modelType, Instance: instanceBytes}
	if err := c.eng.UpdateInstance(ctx, m); err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	c.publishActionState(requestID, "DONE", nil)
}

func (c *Control) handleFitOrPredict(ctx context.Context, kind model.Kind, channel string, payload []byte) {
	prefix := c.prefix.Fit
	if kind == model.KindPredict {
		prefix = c.prefix.Predict
	}
	id, ok := instanceIDFromChannel(prefix, channel)
	if !ok {
		return
	}
	result := gjson.ParseBytes(payload)
	requestID := result.Get("request_id").String()
	args, kwargs := decodeArgsKwargs(result)

	var h *action.Handle
	var err error
	if kind == model.KindFit {
		h, err = c.eng.Fit(ctx, id, args, kwargs)
	} else {
		h, err = c.eng.Predict(ctx, id, args, kwargs)
	}
	if err != nil {
		c.publishActionState(requestID, "FAILED", err.Error())
		return
	}
	c.trackAction(requestID, h)
}

// handleCancel looks up the action handle tracked under request_id (the
// payload is the request_id of a previously started action) and closes
// it, converting an external cancel into the same path a context
// cancellation takes.
func (c *Control) handleCancel(payload []byte) {
	requestID := string(payload)
	c.mu.Lock()
	h, ok := c.correlations[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	h.Close()
}

// trackAction records the request_id<->Handle correlation, publishes
// IN_PROGRESS immediately, then DONE/FAILED/CANCELLED once the action
// resolves.
func (c *Control) trackAction(requestID string, h *action.Handle) {
	c.mu.Lock()
	if c.correlations == nil {
		c.correlations = make(map[string]*action.Handle)
	}
	c.correlations[requestID] = h
	c.mu.Unlock()

	c.publishActionState(requestID, "IN_PROGRESS", nil)
	go func() {
		result, err := h.WaitResult(context.Background())
		c.mu.Lock()
		delete(c.correlations, requestID)
		c.mu.Unlock()
		if err != nil {
			status := "FAILED"
			if errors.Is(err, aimmerr.ErrProcessTerminated) {
				status = "CANCELLED"
			}
			c.publishActionState(requestID, status, err.Error())
			return
		}
		c.publishActionState(requestID, "DONE", result)
	}()
}

func (c *Control) publishActionState(requestID, status string, result any) {
	payload, err := json.Marshal(actionStateEvent{RequestID: requestID, Status: status, Result: jsonify(result)})
	if err != nil {
		c.log.Errorf("eventbus control: marshal action_state: %v", err)
		return
	}
	c.client.Publish(context.Background(), c.prefix.ActionStateEventType, payload)
}

// actionStateEvent is the wire shape of an action-state event:
// {request_id, status, result}.
type actionStateEvent struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Result    any    `json:"result"`
}

// jsonify turns result into something encoding/json can marshal as its own
// type rather than its Go %v text: []byte becomes base64 (json.Marshal's
// own convention for []byte), everything else passes through unchanged so
// numbers/objects/arrays/strings keep their real JSON type.
func jsonify(v any) any {
	if b, ok := v.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return v
}

func (c *Control) publishState() {
	state := c.eng.Root().State()
	payload, err := json.Marshal(state)
	if err != nil {
		c.log.Errorf("eventbus control: marshal state: %v", err)
		return
	}
	c.client.Publish(context.Background(), c.prefix.StateEventType, payload)
}

// ProcessEvents is unused by eventbus.Control: it drives itself directly
// off its own Redis subscription rather than the runner's routing table.
func (c *Control) ProcessEvents(ctx context.Context, events []backend.Event) error {
	return nil
}

func (c *Control) Close() error {
	c.cancel()
	return nil
}

var _ control.Control = (*Control)(nil)
