// Package model holds the data types shared across the engine: the Model
// triple, DataAccess placeholders, plugin call descriptors, and action
// status/meta snapshots. Types here carry only small helpers (String,
// IsDataAccess, Terminal) — every pipeline operation lives on the owning
// component (registry, engine, pool).
package model

import "fmt"

// Model is the (instance_id, model_type, instance) triple. Instance is
// opaque to the engine; only plugins registered for ModelType know its
// shape. The engine owns the live value in memory; a Backend owns its
// serialized form.
type Model struct {
	InstanceID uint64
	ModelType  string
	Instance   any
}

// DataAccess is a deferred argument: it asks the engine to invoke the named
// data-access plugin and substitute the result before the main plugin runs.
// DataAccess placeholders may appear in positional or keyword argument
// slots but never nest inside each other.
type DataAccess struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

func (d DataAccess) String() string {
	return fmt.Sprintf("DataAccess(%s, args=%v, kwargs=%v)", d.Name, d.Args, d.Kwargs)
}

// IsDataAccess reports whether v is a DataAccess placeholder.
func IsDataAccess(v any) (DataAccess, bool) {
	da, ok := v.(DataAccess)
	return da, ok
}

// Kind identifies which of create/fit/predict an Action performs.
type Kind string

const (
	KindCreate  Kind = "create"
	KindFit     Kind = "fit"
	KindPredict Kind = "predict"
)

// Status is the lifecycle stage of an Action's reactive substate.
type Status string

const (
	StatusAccessingData Status = "accessing_data"
	StatusExecuting     Status = "executing"
	StatusStoring       Status = "storing"
	StatusComplete      Status = "complete"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status ends the action's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// ActionMeta is the immutable snapshot published under an action's
// reactive substate: kind, target, and stringified arguments.
type ActionMeta struct {
	Kind      Kind
	ModelType string // set for create
	Target    uint64 // instance_id, set for fit/predict
	Args      string // stringified for display/debugging
	Kwargs    string
}

// ActionSnapshot gathers an action's reactive view into one struct: the
// top-level status plus the data_access and action child snapshots. The
// engine does not publish this type; an action's node holds a
// map[string]any ("meta", "status", and "error" after a failure), with
// data_access and action as child substates.
type ActionSnapshot struct {
	Meta       ActionMeta
	Status     Status
	DataAccess map[string]any
	Action     any
	Err        string
}

// PluginDescriptor is the call convention the engine uses to invoke a
// registered plugin: where (if anywhere) the state-callback sink and the
// model instance go in the argument vector.
type PluginDescriptor struct {
	Kind                 string
	Key                  string
	StateCallbackArgName string // empty means no sink is injected
	InstanceArgName      string // empty means instance is first positional (fit/predict only)
}
