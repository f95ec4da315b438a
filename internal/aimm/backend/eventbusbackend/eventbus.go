// Package eventbusbackend implements the Event-bus backend: one event per
// model at `<model_prefix>/<instance_id>` carrying
// `{type: model_type, instance: base64}`; the latest event for a key is
// the current state. instance_id allocation is a Redis-backed counter.
// Payloads are parsed with tidwall/gjson.
package eventbusbackend

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Backend stores one Redis key per model under modelPrefix and a counter
// key for instance_id allocation.
type Backend struct {
	client      *redis.Client
	modelPrefix string
	counterKey  string

	mu       sync.Mutex
	onChange backend.ModelChangeCallback
	cancelSub context.CancelFunc
}

// Open connects to a Redis instance and pings it. It does not subscribe to
// anything; the key-space subscription that observes externally written
// models starts in RegisterModelChangeCallback.
func Open(ctx context.Context, opts *redis.Options, modelPrefix string) (*Backend, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("aimm: eventbusbackend: ping: %w", err)
	}
	return &Backend{
		client:      client,
		modelPrefix: strings.TrimSuffix(modelPrefix, "/"),
		counterKey:  modelPrefix + "/__next_instance_id",
	}, nil
}

func (b *Backend) key(instanceID uint64) string {
	return fmt.Sprintf("%s/%d", b.modelPrefix, instanceID)
}

func (b *Backend) GetModels(ctx context.Context) ([]model.Model, error) {
	keys, err := b.client.Keys(ctx, b.modelPrefix+"/*").Result()
	if err != nil {
		return nil, fmt.Errorf("aimm: eventbusbackend: keys: %w", err)
	}
	out := make([]model.Model, 0, len(keys))
	for _, k := range keys {
		if k == b.counterKey {
			continue
		}
		idStr := strings.TrimPrefix(k, b.modelPrefix+"/")
		id, perr := strconv.ParseUint(idStr, 10, 64)
		if perr != nil {
			continue
		}
		raw, err := b.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		m, ok := decodeModel(id, raw)
		if !ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeModel(id uint64, payload string) (model.Model, bool) {
	result := gjson.Parse(payload)
	modelType := result.Get("type").String()
	instanceB64 := result.Get("instance").String()
	if modelType == "" {
		return model.Model{}, false
	}
	instanceBytes, err := base64.StdEncoding.DecodeString(instanceB64)
	if err != nil {
		return model.Model{}, false
	}
	return model.Model{InstanceID: id, ModelType: modelType, Instance: instanceBytes}, true
}

func encodePayload(modelType string, instanceBytes []byte) string {
	return fmt.Sprintf(`{"type":%q,"instance":%q}`, modelType, base64.StdEncoding.EncodeToString(instanceBytes))
}

func (b *Backend) CreateModel(ctx context.Context, modelType string, instanceBytes []byte) (model.Model, error) {
	id, err := b.client.Incr(ctx, b.counterKey).Uint64()
	if err != nil {
		return model.Model{}, fmt.Errorf("aimm: eventbusbackend: allocate id: %w", err)
	}
	if err := b.client.Set(ctx, b.key(id), encodePayload(modelType, instanceBytes), 0).Err(); err != nil {
		return model.Model{}, fmt.Errorf("aimm: eventbusbackend: create_model: %w", err)
	}
	return model.Model{InstanceID: id, ModelType: modelType}, nil
}

func (b *Backend) UpdateModel(ctx context.Context, instanceID uint64, modelType string, instanceBytes []byte) error {
	if err := b.client.Set(ctx, b.key(instanceID), encodePayload(modelType, instanceBytes), 0).Err(); err != nil {
		return fmt.Errorf("aimm: eventbusbackend: update_model: %w", err)
	}
	return nil
}

// RegisterModelChangeCallback subscribes to Redis keyspace notifications
// for modelPrefix so models written by another process sharing the same
// bus are observed. Requires the server to have
// `notify-keyspace-events` including "g$" enabled; if subscribing fails,
// the backend simply never observes external writes.
func (b *Backend) RegisterModelChangeCallback(cb backend.ModelChangeCallback) {
	b.mu.Lock()
	b.onChange = cb
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancelSub = cancel
	pattern := fmt.Sprintf("__keyspace@*__:%s/*", b.modelPrefix)
	sub := b.client.PSubscribe(ctx, pattern)

	go func() {
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
				b.handleKeyspaceEvent(ctx, msg)
			}
		}
	}()
}

func (b *Backend) handleKeyspaceEvent(ctx context.Context, msg *redis.Message) {
	idx := strings.Index(msg.Channel, ":")
	if idx < 0 {
		return
	}
	key := msg.Channel[idx+1:]
	if key == b.counterKey {
		return
	}
	idStr := strings.TrimPrefix(key, b.modelPrefix+"/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return
	}
	raw, err := b.client.Get(ctx, key).Result()
	if err != nil {
		return
	}
	m, ok := decodeModel(id, raw)
	if !ok {
		return
	}
	b.mu.Lock()
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil {
		instanceBytes, _ := m.Instance.([]byte)
		cb(m.InstanceID, m.ModelType, instanceBytes)
	}
}

// ProcessEvents hands pre-parsed model-prefix events from the runner's
// routing table to the same handling path as a live keyspace subscription
//.
func (b *Backend) ProcessEvents(ctx context.Context, events []backend.Event) error {
	for _, ev := range events {
		idStr := strings.TrimPrefix(ev.Topic, b.modelPrefix+"/")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		m, ok := decodeModel(id, string(ev.Payload))
		if !ok {
			continue
		}
		b.mu.Lock()
		cb := b.onChange
		b.mu.Unlock()
		if cb != nil {
			instanceBytes, _ := m.Instance.([]byte)
			cb(m.InstanceID, m.ModelType, instanceBytes)
		}
	}
	return nil
}

func (b *Backend) Close() error {
	if b.cancelSub != nil {
		b.cancelSub()
	}
	return b.client.Close()
}

var _ backend.Backend = (*Backend)(nil)
