// Package statsmodel provides a small built-in model_type ("running_stats")
// exercising the full create/fit/predict/serialize/deserialize plugin
// surface end to end, plus a "literal" data_access plugin. Every Func here
// crosses the worker-process boundary exactly as any externally supplied
// plugin would (encoded with gob, run in a freshly spawned child) — nothing
// about it is special-cased by the engine or worker pool.
//
// Grounded on examples/0001/plugins/sklearn.py's plugins.model class
// (instantiate via constructor kwargs, fit mutates and returns self,
// predict reads the fitted instance, serialize/deserialize round-trip
// bytes) and its sibling plugins.data_access functions, translated from a
// scikit-learn estimator to a dependency-free running mean/variance
// accumulator so the demo has no external ML runtime to install.
package statsmodel

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/internal/aimm/worker"
)

// ModelType is the model_type key this package registers its unified
// class under.
const ModelType = "running_stats"

// DataAccessLiteral is the data_access key for the pass-through plugin.
const DataAccessLiteral = "literal"

func init() {
	gob.Register(&RunningStats{})
}

// RunningStats accumulates count/sum/sum-of-squares, letting Fit update it
// incrementally rather than replaying every observation.
type RunningStats struct {
	Count int
	Sum   float64
	SumSq float64
}

// Mean returns the running mean, or 0 if no observations were fit yet.
func (s *RunningStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Variance returns the population variance, or 0 with fewer than one
// observation.
func (s *RunningStats) Variance() float64 {
	if s.Count == 0 {
		return 0
	}
	mean := s.Mean()
	return s.SumSq/float64(s.Count) - mean*mean
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Instantiate builds a fresh, empty RunningStats. It ignores args/kwargs:
// there is nothing to configure before any observation has been seen.
func Instantiate(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return &RunningStats{}, nil
}

// Fit expects args[0] to be the current instance (injected positionally by
// the engine) and the remaining args to be numeric observations. It
// returns a new RunningStats reflecting the updated accumulators, never
// mutating the instance the caller already published.
func Fit(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("aimm: %s.fit: missing instance argument", ModelType)
	}
	cur, ok := args[0].(*RunningStats)
	if !ok {
		return nil, fmt.Errorf("aimm: %s.fit: instance has unexpected type %T", ModelType, args[0])
	}
	next := &RunningStats{Count: cur.Count, Sum: cur.Sum, SumSq: cur.SumSq}
	for _, raw := range args[1:] {
		v, ok := toFloat64(raw)
		if !ok {
			return nil, fmt.Errorf("aimm: %s.fit: observation %v is not numeric", ModelType, raw)
		}
		next.Count++
		next.Sum += v
		next.SumSq += v * v
	}
	return next, nil
}

// Predict expects args[0] to be the instance and returns its mean/standard
// deviation/count as a map, the Go analogue of returning a small result
// struct.
func Predict(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("aimm: %s.predict: missing instance argument", ModelType)
	}
	s, ok := args[0].(*RunningStats)
	if !ok {
		return nil, fmt.Errorf("aimm: %s.predict: instance has unexpected type %T", ModelType, args[0])
	}
	return map[string]any{
		"count":  s.Count,
		"mean":   s.Mean(),
		"stddev": math.Sqrt(s.Variance()),
	}, nil
}

// Serialize gob-encodes the instance to the backend-serialized form every
// Backend stores and RegisterModelChangeCallback's payload carries.
func Serialize(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("aimm: %s.serialize: missing instance argument", ModelType)
	}
	s, ok := args[0].(*RunningStats)
	if !ok {
		return nil, fmt.Errorf("aimm: %s.serialize: instance has unexpected type %T", ModelType, args[0])
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("aimm: %s.serialize: %w", ModelType, err)
	}
	return buf.Bytes(), nil
}

// Deserialize is Serialize's inverse, given the raw bytes a Backend
// returned from GetModels or a model-change notification.
func Deserialize(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("aimm: %s.deserialize: missing bytes argument", ModelType)
	}
	raw, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("aimm: %s.deserialize: argument has unexpected type %T", ModelType, args[0])
	}
	var s RunningStats
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		return nil, fmt.Errorf("aimm: %s.deserialize: %w", ModelType, err)
	}
	return &s, nil
}

// Literal is a trivial data_access plugin returning args[0] unchanged —
// useful both as a smoke test and as a minimal example of the data_access
// contract for anyone writing a real one.
func Literal(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

// Register binds this package's plugins into reg, for use by the
// supervisor process.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterUnifiedClass(registry.UnifiedClass{
		ModelType:   ModelType,
		Instantiate: Instantiate,
		Fit:         Fit,
		Predict:     Predict,
		Serialize:   Serialize,
		Deserialize: Deserialize,
	}); err != nil {
		return err
	}
	return reg.Register(registry.KindDataAccess, DataAccessLiteral, model.PluginDescriptor{
		Kind: registry.KindDataAccess,
		Key:  DataAccessLiteral,
	}, Literal)
}

// RegisterBuiltins binds this package's plugins into the worker child's
// compiled-in builtin table. The aimmd binary must call both this and
// Register (against the supervisor's Registry) at process start so the two
// sides agree on what "builtin" means for ModelType — see the doc of
// internal/aimm/workerpool's Call for why closures can't just cross the
// process boundary directly.
func RegisterBuiltins() {
	worker.RegisterBuiltin(registry.KindInstantiate, ModelType, Instantiate)
	worker.RegisterBuiltin(registry.KindFit, ModelType, Fit)
	worker.RegisterBuiltin(registry.KindPredict, ModelType, Predict)
	worker.RegisterBuiltin(registry.KindSerialize, ModelType, Serialize)
	worker.RegisterBuiltin(registry.KindDeserialize, ModelType, Deserialize)
	worker.RegisterBuiltin(registry.KindDataAccess, DataAccessLiteral, Literal)
}
