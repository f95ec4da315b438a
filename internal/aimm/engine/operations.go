package engine

import (
	"context"
	"fmt"

	"github.com/hat-open/aimm/internal/aimm/action"
	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/reactive"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/internal/aimm/workerpool"
)

// CreateInstance runs the instantiate plugin in the pool and persists the
// result.
func (e *Engine) CreateInstance(ctx context.Context, modelType string, args []any, kwargs map[string]any) (*action.Handle, error) {
	meta := model.ActionMeta{Kind: model.KindCreate, ModelType: modelType, Args: stringifyArgs(args), Kwargs: stringifyKwargs(kwargs)}
	h, actx := e.beginAction(ctx, meta)

	go func() {
		resolvedArgs, resolvedKwargs, err := e.resolveDataAccess(actx, h.Substate, args, kwargs)
		if err != nil {
			e.failAction(h, err)
			return
		}
		e.publishStatus(h.Substate, model.StatusExecuting, nil)

		desc, _, err := e.registry.Lookup(registry.KindInstantiate, modelType)
		if err != nil {
			e.failAction(h, err)
			return
		}
		callArgs, callKwargs, err := registry.BuildArgs(desc, resolvedArgs, resolvedKwargs, nil, false)
		if err != nil {
			e.failAction(h, err)
			return
		}

		instance, err := e.runPlugin(actx, h.Substate, registry.KindInstantiate, modelType, desc, callArgs, callKwargs)
		if err != nil {
			e.failAction(h, err)
			return
		}

		e.publishStatus(h.Substate, model.StatusStoring, nil)
		instanceBytes, err := e.serialize(actx, modelType, instance)
		if err != nil {
			e.failAction(h, err)
			return
		}
		m, err := e.backend.CreateModel(actx, modelType, instanceBytes)
		if err != nil {
			e.failAction(h, &aimmerr.BackendIOError{Op: "create_model", Cause: err})
			return
		}
		m.Instance = instance
		e.mu.Lock()
		e.locks[m.InstanceID] = newInstanceLock()
		e.mu.Unlock()
		e.setModel(m)

		e.publishStatus(h.Substate, model.StatusComplete, nil)
		h.Resolve(m, nil)
	}()

	return h, nil
}

// AddInstance registers a caller-supplied instance synchronously, without
// running any worker process.
func (e *Engine) AddInstance(ctx context.Context, modelType string, instance any) (model.Model, error) {
	instanceBytes, err := e.serialize(ctx, modelType, instance)
	if err != nil {
		return model.Model{}, err
	}
	m, err := e.backend.CreateModel(ctx, modelType, instanceBytes)
	if err != nil {
		return model.Model{}, &aimmerr.BackendIOError{Op: "create_model", Cause: err}
	}
	m.Instance = instance
	e.mu.Lock()
	e.locks[m.InstanceID] = newInstanceLock()
	e.mu.Unlock()
	e.setModel(m)
	return m, nil
}

// UpdateInstance registers a replacement Model for an existing instance_id
// and persists it.
func (e *Engine) UpdateInstance(ctx context.Context, m model.Model) error {
	instanceBytes, err := e.serialize(ctx, m.ModelType, m.Instance)
	if err != nil {
		return err
	}
	if err := e.backend.UpdateModel(ctx, m.InstanceID, m.ModelType, instanceBytes); err != nil {
		return &aimmerr.BackendIOError{Op: "update_model", Cause: err}
	}
	e.mu.Lock()
	if _, ok := e.locks[m.InstanceID]; !ok {
		e.locks[m.InstanceID] = newInstanceLock()
	}
	e.mu.Unlock()
	e.setModel(m)
	return nil
}

// Fit runs the fit plugin under the instance's lock and, on success,
// replaces the stored model.
func (e *Engine) Fit(ctx context.Context, instanceID uint64, args []any, kwargs map[string]any) (*action.Handle, error) {
	return e.fitOrPredict(ctx, model.KindFit, instanceID, args, kwargs)
}

// Predict runs the predict plugin under the instance's lock without
// mutating the stored model.
func (e *Engine) Predict(ctx context.Context, instanceID uint64, args []any, kwargs map[string]any) (*action.Handle, error) {
	return e.fitOrPredict(ctx, model.KindPredict, instanceID, args, kwargs)
}

func (e *Engine) fitOrPredict(ctx context.Context, kind model.Kind, instanceID uint64, args []any, kwargs map[string]any) (*action.Handle, error) {
	meta := model.ActionMeta{Kind: kind, Target: instanceID, Args: stringifyArgs(args), Kwargs: stringifyKwargs(kwargs)}
	h, actx := e.beginAction(ctx, meta)

	go func() {
		resolvedArgs, resolvedKwargs, err := e.resolveDataAccess(actx, h.Substate, args, kwargs)
		if err != nil {
			e.failAction(h, err)
			return
		}

		// Cancellation while blocked on the lock must never take it:
		// acquire is ctx-aware and returns without having touched the
		// channel if actx is already done.
		lock := e.lockFor(instanceID)
		if err := lock.acquire(actx); err != nil {
			e.failAction(h, aimmerr.ErrProcessTerminated)
			return
		}
		locked := true
		defer func() {
			if locked {
				lock.release()
			}
		}()

		e.publishStatus(h.Substate, model.StatusExecuting, nil)

		m, ok := e.modelByID(instanceID)
		if !ok {
			e.failAction(h, &aimmerr.UnknownInstance{InstanceID: instanceID})
			return
		}

		plugKind := registry.KindFit
		if kind == model.KindPredict {
			plugKind = registry.KindPredict
		}
		desc, _, err := e.registry.Lookup(plugKind, m.ModelType)
		if err != nil {
			e.failAction(h, err)
			return
		}
		callArgs, callKwargs, err := registry.BuildArgs(desc, resolvedArgs, resolvedKwargs, m.Instance, true)
		if err != nil {
			e.failAction(h, err)
			return
		}

		result, err := e.runPlugin(actx, h.Substate, plugKind, m.ModelType, desc, callArgs, callKwargs)
		if err != nil {
			e.failAction(h, err)
			return
		}

		if kind == model.KindFit {
			e.publishStatus(h.Substate, model.StatusStoring, nil)
			newModel := model.Model{InstanceID: instanceID, ModelType: m.ModelType, Instance: result}
			instanceBytes, serr := e.serialize(actx, m.ModelType, result)
			if serr != nil {
				e.failAction(h, serr)
				return
			}
			if werr := e.backend.UpdateModel(actx, instanceID, m.ModelType, instanceBytes); werr != nil {
				// Backend-write failure after a successful fit is reported
				// but the already-computed instance is not rolled back:
				// the new instance is already the authoritative computed
				// state.
				e.setModel(newModel)
				lock.release()
				locked = false
				e.failAction(h, &aimmerr.BackendIOError{Op: "update_model", Cause: werr})
				return
			}
			e.setModel(newModel)
			lock.release()
			locked = false
			e.publishStatus(h.Substate, model.StatusComplete, nil)
			h.Resolve(newModel, nil)
			return
		}

		lock.release()
		locked = false
		e.publishStatus(h.Substate, model.StatusComplete, nil)
		h.Resolve(result, nil)
	}()

	return h, nil
}

func (e *Engine) beginAction(ctx context.Context, meta model.ActionMeta) (*action.Handle, context.Context) {
	actx, cancel := context.WithCancel(ctx)
	h := action.New(meta, nil, cancel)
	id := e.registerAction(h)
	h.Substate = e.newActionSubstate(id, meta)
	e.m.actionsTotal.WithLabelValues(string(meta.Kind)).Inc()
	return h, actx
}

func (e *Engine) failAction(h *action.Handle, err error) {
	status := model.StatusFailed
	errKind := "plugin_exception"
	if err == aimmerr.ErrProcessTerminated {
		status = model.StatusCancelled
		errKind = "process_terminated"
	}
	e.m.actionFailures.WithLabelValues(string(h.Meta.Kind), errKind).Inc()
	e.publishStatus(h.Substate, status, map[string]any{"error": err.Error()})
	h.Resolve(nil, err)
}

// runPlugin submits one (kind, key) invocation to the worker pool, relaying
// progress to substate's "action" child, and translates a lost child into
// ProcessTerminated and a raised plugin error into PluginException (the
// worker pool itself already does this translation; this just forwards).
func (e *Engine) runPlugin(ctx context.Context, substate *reactive.Node, kind, key string, desc model.PluginDescriptor, args []any, kwargs map[string]any) (any, error) {
	call, err := e.buildCall(kind, key, desc, args, kwargs)
	if err != nil {
		return nil, err
	}

	actionNode := substate.Substate("action")
	handler := e.pool.CreateHandler(func(v any) {
		if actionNode != nil {
			actionNode.Update(v)
		}
	})
	stop := context.AfterFunc(ctx, handler.Close)
	defer stop()

	return handler.Run(ctx, call)
}

// buildCall decides whether (kind, key) is backed by a compiled-in builtin
// shared across the supervisor and every worker child, or by script source
// shipped inline — the two plugin-delivery mechanisms the process boundary
// supports.
func (e *Engine) buildCall(kind, key string, desc model.PluginDescriptor, args []any, kwargs map[string]any) (workerpool.Call, error) {
	if _, script, ok := e.registry.LookupScript(kind, key); ok {
		return workerpool.Call{
			Kind: kind, Key: key, Script: script,
			Args: args, Kwargs: kwargs,
			StateCallbackArgName: desc.StateCallbackArgName,
		}, nil
	}
	if _, _, err := e.registry.Lookup(kind, key); err != nil {
		return workerpool.Call{}, err
	}
	return workerpool.Call{
		Kind: kind, Key: key, Builtin: true,
		Args: args, Kwargs: kwargs,
		StateCallbackArgName: desc.StateCallbackArgName,
	}, nil
}

// serialize runs the serialize plugin for modelType in the pool, wrapping
// failure as SerializationError.
func (e *Engine) serialize(ctx context.Context, modelType string, instance any) ([]byte, error) {
	desc, _, err := e.registry.Lookup(registry.KindSerialize, modelType)
	if err != nil {
		return nil, err
	}
	call, err := e.buildCall(registry.KindSerialize, modelType, desc, []any{instance}, nil)
	if err != nil {
		return nil, err
	}
	handler := e.pool.CreateHandler(nil)
	result, err := handler.Run(ctx, call)
	if err != nil {
		return nil, &aimmerr.SerializationError{ModelType: modelType, Cause: err}
	}
	b, ok := result.([]byte)
	if !ok {
		return nil, &aimmerr.SerializationError{ModelType: modelType, Cause: fmt.Errorf("aimm: serialize plugin for %q did not return bytes", modelType)}
	}
	return b, nil
}

// deserialize runs the deserialize plugin for modelType in the pool,
// wrapping failure as SerializationError.
func (e *Engine) deserialize(ctx context.Context, modelType string, instanceBytes []byte) (any, error) {
	desc, _, err := e.registry.Lookup(registry.KindDeserialize, modelType)
	if err != nil {
		return nil, err
	}
	call, err := e.buildCall(registry.KindDeserialize, modelType, desc, []any{instanceBytes}, nil)
	if err != nil {
		return nil, err
	}
	handler := e.pool.CreateHandler(nil)
	result, err := handler.Run(ctx, call)
	if err != nil {
		return nil, &aimmerr.SerializationError{ModelType: modelType, Cause: err}
	}
	return result, nil
}

func stringifyArgs(args []any) string {
	return fmt.Sprintf("%v", args)
}

func stringifyKwargs(kwargs map[string]any) string {
	return fmt.Sprintf("%v", kwargs)
}
