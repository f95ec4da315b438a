// Package registry implements the Plugin Registry: a table mapping (kind,
// key) to a callable and its calling convention. A Registry is scoped to
// one Engine instance, so multiple engines can coexist in a process
// without treading on each other's plugin tables.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/model"
)

// Kinds the registry partitions plugins into. DataAccess is its own kind;
// the other five are bound together by RegisterUnifiedClass.
const (
	KindDataAccess  = "data_access"
	KindInstantiate = "instantiate"
	KindFit         = "fit"
	KindPredict     = "predict"
	KindSerialize   = "serialize"
	KindDeserialize = "deserialize"
)

// StateCallback is the progress sink a plugin may accept. It must not
// block: dropping frames under backpressure is acceptable.
type StateCallback func(any)

// Func is a plugin's callable, invoked inside a worker-pool child process.
// args/kwargs already have DataAccess placeholders resolved and the
// state-callback/instance slots filled in per Descriptor.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// entry pairs a descriptor with its callable and, for script-backed
// plugins, the ECMAScript source the child recompiles (closures cannot
// cross the process boundary; source text can).
type entry struct {
	desc   model.PluginDescriptor
	fn     Func
	script string // non-empty for goja-backed plugins
}

// lifecycle is the set of states a Registry moves through: init, populated
// by a registration, torn down by Teardown.
type lifecycle int

const (
	lifecycleInit lifecycle = iota
	lifecyclePopulated
	lifecycleTornDown
)

// Registry is a process-of-one (per Engine) table of the six plugin kinds.
type Registry struct {
	mu    sync.RWMutex
	state lifecycle
	tabs  map[string]map[string]entry // kind -> key -> entry
}

// New creates an empty, init-state registry.
func New() *Registry {
	return &Registry{
		state: lifecycleInit,
		tabs:  newTabs(),
	}
}

func newTabs() map[string]map[string]entry {
	tabs := make(map[string]map[string]entry, 6)
	for _, k := range []string{KindDataAccess, KindInstantiate, KindFit, KindPredict, KindSerialize, KindDeserialize} {
		tabs[k] = make(map[string]entry)
	}
	return tabs
}

// Teardown empties every plugin table and marks the registry torn down.
// Used by tests.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs = newTabs()
	r.state = lifecycleTornDown
}

// Register binds a single (kind, key) to a descriptor and callable. Fails
// with DuplicatePlugin if already bound.
func (r *Registry) Register(kind, key string, desc model.PluginDescriptor, fn Func) error {
	return r.registerEntry(kind, key, entry{desc: desc, fn: fn})
}

// RegisterScript binds a (kind, key) to ECMAScript source, executed inside
// a sandboxed goja runtime in the worker process.
func (r *Registry) RegisterScript(kind, key string, desc model.PluginDescriptor, source string) error {
	return r.registerEntry(kind, key, entry{desc: desc, script: source})
}

func (r *Registry) registerEntry(kind, key string, e entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[kind]
	if !ok {
		return fmt.Errorf("aimm: unknown plugin kind %q", kind)
	}
	if _, exists := tab[key]; exists {
		return &aimmerr.DuplicatePlugin{Kind: kind, Key: key}
	}
	tab[key] = e
	r.state = lifecyclePopulated
	return nil
}

// UnifiedClass bundles the five non-data-access callables for one
// model_type, registered atomically: if any of the five keys is already
// bound, none are registered.
type UnifiedClass struct {
	ModelType            string
	Instantiate          Func
	Fit                  Func
	Predict              Func
	Serialize            Func
	Deserialize          Func
	StateCallbackArgName string // applied to instantiate/fit/predict
	InstanceArgName      string // applied to fit/predict
}

// RegisterUnifiedClass registers instantiate/fit/predict/serialize/
// deserialize for one model_type in one atomic step.
func (r *Registry) RegisterUnifiedClass(uc UnifiedClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := []string{KindInstantiate, KindFit, KindPredict, KindSerialize, KindDeserialize}
	for _, k := range kinds {
		if _, exists := r.tabs[k][uc.ModelType]; exists {
			return &aimmerr.DuplicatePlugin{Kind: k, Key: uc.ModelType}
		}
	}

	r.tabs[KindInstantiate][uc.ModelType] = entry{fn: uc.Instantiate, desc: model.PluginDescriptor{
		Kind: KindInstantiate, Key: uc.ModelType, StateCallbackArgName: uc.StateCallbackArgName,
	}}
	r.tabs[KindFit][uc.ModelType] = entry{fn: uc.Fit, desc: model.PluginDescriptor{
		Kind: KindFit, Key: uc.ModelType, StateCallbackArgName: uc.StateCallbackArgName, InstanceArgName: uc.InstanceArgName,
	}}
	r.tabs[KindPredict][uc.ModelType] = entry{fn: uc.Predict, desc: model.PluginDescriptor{
		Kind: KindPredict, Key: uc.ModelType, StateCallbackArgName: uc.StateCallbackArgName, InstanceArgName: uc.InstanceArgName,
	}}
	r.tabs[KindSerialize][uc.ModelType] = entry{fn: uc.Serialize, desc: model.PluginDescriptor{
		Kind: KindSerialize, Key: uc.ModelType,
	}}
	r.tabs[KindDeserialize][uc.ModelType] = entry{fn: uc.Deserialize, desc: model.PluginDescriptor{
		Kind: KindDeserialize, Key: uc.ModelType,
	}}
	r.state = lifecyclePopulated
	return nil
}

// Lookup returns the descriptor and callable bound to (kind, key), or
// UnknownPlugin if unbound.
func (r *Registry) Lookup(kind, key string) (model.PluginDescriptor, Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[kind]
	if !ok {
		return model.PluginDescriptor{}, nil, &aimmerr.UnknownPlugin{Kind: kind, Key: key}
	}
	e, ok := tab[key]
	if !ok {
		return model.PluginDescriptor{}, nil, &aimmerr.UnknownPlugin{Kind: kind, Key: key}
	}
	return e.desc, e.fn, nil
}

// LookupScript returns the descriptor and ECMAScript source bound to
// (kind, key) if it was registered via RegisterScript.
func (r *Registry) LookupScript(kind, key string) (model.PluginDescriptor, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[kind]
	if !ok {
		return model.PluginDescriptor{}, "", false
	}
	e, ok := tab[key]
	if !ok || e.script == "" {
		return model.PluginDescriptor{}, "", false
	}
	return e.desc, e.script, true
}

// BuildArgs constructs the argument vector per the descriptor's calling
// convention: the instance goes under InstanceArgName, or is prepended
// positionally, when hasInstance is set (fit/predict).
//
// The state-callback sink is deliberately NOT injected here: a callback is
// a live closure, and args/kwargs built on this side must still cross the
// worker-process boundary by value. This only validates that the caller hasn't
// already supplied the reserved keyword, failing fast with
// ConflictingKeyword; the child injects its own local callback into that
// same slot just before invoking the plugin (see internal/aimm/worker).
func BuildArgs(desc model.PluginDescriptor, args []any, kwargs map[string]any, instance any, hasInstance bool) ([]any, map[string]any, error) {
	outArgs := make([]any, len(args))
	copy(outArgs, args)
	outKwargs := make(map[string]any, len(kwargs)+1)
	for k, v := range kwargs {
		outKwargs[k] = v
	}

	if hasInstance {
		if desc.InstanceArgName != "" {
			outKwargs[desc.InstanceArgName] = instance
		} else {
			outArgs = append([]any{instance}, outArgs...)
		}
	}

	if desc.StateCallbackArgName != "" {
		if _, exists := outKwargs[desc.StateCallbackArgName]; exists {
			return nil, nil, &aimmerr.ConflictingKeyword{Name: desc.StateCallbackArgName}
		}
	}

	return outArgs, outKwargs, nil
}
