// Package engine implements the scheduling core: the model
// registry, per-instance locks, action identity, and the
// create/add/update/fit/predict pipelines that drive the worker pool,
// plugin registry, reactive state tree, and backend. A single owning
// struct composes these sub-components behind copy-on-write state
// snapshots and one mutation path.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hat-open/aimm/internal/aimm/action"
	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/reactive"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/internal/aimm/workerpool"
)

// Config bounds the worker pool and, indirectly, how aggressively fit/
// predict contend for the admission gate.
type Config struct {
	MaxChildren    int
	CheckPeriod    time.Duration
	SigtermTimeout time.Duration
	WorkerArgv0    string
	WorkerArg      string
}

// instanceLock serializes fit/predict for one instance_id, strictly FCFS
// via a buffered channel used as a ticket mutex.
type instanceLock struct {
	ch chan struct{}
}

func newInstanceLock() *instanceLock {
	l := &instanceLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// acquire blocks until the lock is free or ctx is cancelled. If cancelled
// first, the lock is never taken.
func (l *instanceLock) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *instanceLock) release() {
	l.ch <- struct{}{}
}

// snapshot is the engine's immutable state, replaced wholesale on every
// mutation — copy-on-write, with the same external contract a
// mutex-guarded structure would give callers.
type snapshot struct {
	models map[uint64]model.Model
}

// Engine owns the model registry, per-instance locks, action bookkeeping,
// the plugin registry, the worker pool, and the reactive state tree.
type Engine struct {
	conf     Config
	backend  backend.Backend
	registry *registry.Registry
	pool     *workerpool.Pool

	root *reactive.Node // root.substates: "models", "actions"
	m    *metrics

	mu           sync.Mutex
	snap         snapshot
	locks        map[uint64]*instanceLock
	actions      map[uint64]*action.Handle
	nextAction   uint64
	nextInstance uint64
}

// New constructs an Engine: loads existing models from backend, allocates
// per-instance locks, and starts the worker pool.
func New(ctx context.Context, conf Config, be backend.Backend, reg *registry.Registry, promReg prometheus.Registerer) (*Engine, error) {
	models, err := be.GetModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("aimm: engine startup: get_models: %w", err)
	}

	e := &Engine{
		conf:     conf,
		backend:  be,
		registry: reg,
		root:     reactive.New(map[string]any{}),
		locks:    make(map[uint64]*instanceLock),
		actions:  make(map[uint64]*action.Handle),
		snap:     snapshot{models: make(map[uint64]model.Model)},
	}
	e.root.RegisterSubstate("models")
	e.root.RegisterSubstate("actions")
	e.pool = workerpool.New(conf.MaxChildren, conf.CheckPeriod, conf.SigtermTimeout, conf.WorkerArgv0, conf.WorkerArg)
	e.m = newMetrics(promReg, e.pool.Live)

	// GetModels hands back each instance still in its backend-serialized
	// form; the engine deserializes before the instance becomes live in
	// memory.
	var maxID uint64
	for _, m := range models {
		raw, ok := m.Instance.([]byte)
		if !ok {
			e.pool.Shutdown()
			return nil, fmt.Errorf("aimm: engine startup: model %d: backend did not return serialized bytes", m.InstanceID)
		}
		instance, derr := e.deserialize(ctx, m.ModelType, raw)
		if derr != nil {
			e.pool.Shutdown()
			return nil, fmt.Errorf("aimm: engine startup: deserialize model %d: %w", m.InstanceID, derr)
		}
		m.Instance = instance
		e.snap.models[m.InstanceID] = m
		e.locks[m.InstanceID] = newInstanceLock()
		if m.InstanceID > maxID {
			maxID = m.InstanceID
		}
	}
	e.nextInstance = maxID + 1
	if len(models) == 0 {
		e.nextInstance = 1
	}
	e.publishModels()

	be.RegisterModelChangeCallback(e.onBackendModelChange)

	return e, nil
}

// onBackendModelChange is the default wiring for backends that observe
// out-of-band model replacement: it deserializes, registers the fresh
// model, and republishes, the same path update_instance takes.
func (e *Engine) onBackendModelChange(instanceID uint64, modelType string, instanceBytes []byte) {
	instance, err := e.deserialize(context.Background(), modelType, instanceBytes)
	if err != nil {
		return
	}
	m := model.Model{InstanceID: instanceID, ModelType: modelType, Instance: instance}
	e.mu.Lock()
	if _, ok := e.locks[m.InstanceID]; !ok {
		e.locks[m.InstanceID] = newInstanceLock()
	}
	e.snap.models[m.InstanceID] = m
	e.mu.Unlock()
	e.publishModels()
}

// Close shuts down the worker pool. In-flight actions should be closed by
// their owners first.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

func (e *Engine) publishModels() {
	e.mu.Lock()
	view := make(map[string]any, len(e.snap.models))
	for id, m := range e.snap.models {
		view[fmt.Sprint(id)] = m.ModelType
	}
	e.mu.Unlock()
	if node := e.root.Substate("models"); node != nil {
		node.Update(view)
	}
}

// Root returns the engine's root reactive node ("models", "actions"
// substates) so a control implementation can subscribe to the whole state
// tree.
func (e *Engine) Root() *reactive.Node {
	return e.root
}

// Models returns a point-in-time copy of the model registry.
func (e *Engine) Models() []model.Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Model, 0, len(e.snap.models))
	for _, m := range e.snap.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (e *Engine) lockFor(id uint64) *instanceLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = newInstanceLock()
		e.locks[id] = l
	}
	return l
}

func (e *Engine) modelByID(id uint64) (model.Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.snap.models[id]
	return m, ok
}

func (e *Engine) setModel(m model.Model) {
	e.mu.Lock()
	e.snap.models[m.InstanceID] = m
	e.mu.Unlock()
	e.publishModels()
}

// newActionSubstate allocates the reactive substate tree for one action:
// actions[action_id] with children meta/data_access/action.
func (e *Engine) newActionSubstate(id uint64, meta model.ActionMeta) *reactive.Node {
	actionsNode := e.root.Substate("actions")
	node := actionsNode.RegisterSubstate(fmt.Sprint(id))
	node.RegisterSubstate("data_access")
	node.RegisterSubstate("action")
	node.Update(map[string]any{
		"meta":   meta,
		"status": model.StatusAccessingData,
	})
	return node
}

func (e *Engine) publishStatus(node *reactive.Node, status model.Status, extra map[string]any) {
	cur, _ := node.State().(map[string]any)
	next := make(map[string]any, len(cur)+len(extra)+1)
	for k, v := range cur {
		next[k] = v
	}
	next["status"] = status
	for k, v := range extra {
		next[k] = v
	}
	node.Update(next)
}

func (e *Engine) registerAction(h *action.Handle) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextAction++
	id := e.nextAction
	e.actions[id] = h
	return id
}

// CloseAction honors an external cancel request. Actions remain in the
// registry afterward; StartActionGC (gc.go) reclaims them after a grace
// period instead of the engine doing so inline.
func (e *Engine) CloseAction(id uint64) bool {
	e.mu.Lock()
	h, ok := e.actions[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.Close()
	return true
}

// Action returns the handle for a previously started action_id, if still
// present in the registry.
func (e *Engine) Action(id uint64) (*action.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.actions[id]
	return h, ok
}

// GCTerminalActions removes the given action entries. It does no grace
// period check of its own: the engine's sweep (sweepTerminalActions in
// gc.go, started by StartActionGC) passes only ids of actions resolved for
// at least the grace period.
func (e *Engine) GCTerminalActions(ids []uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.actions, id)
	}
}

// ActionIDs returns a snapshot of currently tracked action ids, for the
// engine's GC sweep (gc.go) and other inspectors to walk.
func (e *Engine) ActionIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint64, 0, len(e.actions))
	for id := range e.actions {
		ids = append(ids, id)
	}
	return ids
}
