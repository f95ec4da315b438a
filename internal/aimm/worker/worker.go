// Package worker is the re-exec entry point for a Worker Pool child
// process (internal/aimm/workerpool spawns it via os.Args[0]). It decodes
// one Call from stdin, resolves it against the compiled-in builtin table or
// a shipped script, runs it, and writes exactly one Result to stdout —
// relaying progress frames on fd 3 as it goes. It runs as a standalone
// process rather than an in-process goroutine because plugin code is
// untrusted enough to need OS-level isolation.
package worker

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hat-open/aimm/internal/aimm/registry"
)

// FDState is the file descriptor the parent dedicates to progress frames.
const FDState = 3

type wireResult struct {
	Value      any
	Failed     bool
	ErrMsg     string
	Terminated bool
}

type call struct {
	Kind                 string
	Key                  string
	Builtin              bool
	Script               string
	Args                 []any
	Kwargs               map[string]any
	StateCallbackArgName string
}

// Builtins is the compiled-in callable table, reconstructed identically in
// every child process by calling RegisterBuiltins at process start — the
// supervisor populates the same table in its own Registry so descriptors
// agree on both sides of the process boundary.
type Builtins struct {
	mu    sync.RWMutex
	funcs map[string]map[string]registry.Func
}

var builtins = &Builtins{funcs: map[string]map[string]registry.Func{
	registry.KindDataAccess:  {},
	registry.KindInstantiate: {},
	registry.KindFit:         {},
	registry.KindPredict:     {},
	registry.KindSerialize:   {},
	registry.KindDeserialize: {},
}}

// RegisterBuiltin adds a compiled-in callable reachable by (kind, key) in
// every worker child. Call this from the same init path the supervisor uses
// to populate its own Registry, so both sides agree on what "builtin" means.
func RegisterBuiltin(kind, key string, fn registry.Func) {
	builtins.mu.Lock()
	defer builtins.mu.Unlock()
	builtins.funcs[kind][key] = fn
}

func lookupBuiltin(kind, key string) (registry.Func, bool) {
	builtins.mu.RLock()
	defer builtins.mu.RUnlock()
	fn, ok := builtins.funcs[kind][key]
	return fn, ok
}

// RegisterBuiltins installs the fixed set of builtins every process ships
// with regardless of which model types it has loaded — currently just the
// JSONPath data-access plugin (internal/aimm/registry/jsonpath.go). Call it
// in the worker child before Main (cmd/aimmd's runWorker does).
func RegisterBuiltins() {
	RegisterBuiltin(registry.KindDataAccess, "jsonpath", registry.JSONPathDataAccess())
}

// Main is the child process's entire job: decode, run, reply, exit. It
// never returns a Go error to its caller — any failure is folded into the
// Result written to stdout, because by the time something goes wrong
// stdout is the only channel left to report it on.
func Main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "aimm-worker").Logger()

	stateFile := os.NewFile(uintptr(FDState), "state")
	var stateEnc *gob.Encoder
	var stateMu sync.Mutex
	if stateFile != nil {
		stateEnc = gob.NewEncoder(stateFile)
	}

	onState := func(v any) {
		if stateEnc == nil {
			return
		}
		stateMu.Lock()
		defer stateMu.Unlock()
		_ = stateEnc.Encode(&stateFrame{Value: v})
	}

	var c call
	if err := gob.NewDecoder(os.Stdin).Decode(&c); err != nil {
		log.Error().Err(err).Msg("decode call")
		writeResult(os.Stdout, wireResult{Terminated: true})
		closeState(stateFile)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result := run(ctx, log, c, onState)

	closeState(stateFile)
	writeResult(os.Stdout, result)
	if result.Terminated {
		os.Exit(1)
	}
}

type stateFrame struct {
	Value any
}

func closeState(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

func run(ctx context.Context, log zerolog.Logger, c call, onState func(any)) wireResult {
	var fn registry.Func

	switch {
	case c.Script != "":
		fn = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return registry.ExecuteScript(ctx, c.Script, args, kwargs, onState)
		}
	case c.Builtin:
		builtinFn, ok := lookupBuiltin(c.Kind, c.Key)
		if !ok {
			return wireResult{Failed: true, ErrMsg: fmt.Sprintf("aimm: unknown builtin plugin %s/%s", c.Kind, c.Key)}
		}
		if c.StateCallbackArgName != "" {
			if c.Kwargs == nil {
				c.Kwargs = make(map[string]any, 1)
			}
			c.Kwargs[c.StateCallbackArgName] = registry.StateCallback(onState)
		}
		fn = builtinFn
	default:
		return wireResult{Failed: true, ErrMsg: "aimm: call names neither a script nor a builtin plugin"}
	}

	log.Debug().Str("kind", c.Kind).Str("key", c.Key).Msg("executing plugin call")

	value, err := fn(ctx, c.Args, c.Kwargs)
	if err != nil {
		if ctx.Err() != nil {
			return wireResult{Terminated: true}
		}
		return wireResult{Failed: true, ErrMsg: err.Error()}
	}
	return wireResult{Value: value}
}

func writeResult(w io.Writer, res wireResult) {
	_ = gob.NewEncoder(w).Encode(&res)
}
