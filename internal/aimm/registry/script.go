package registry

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// ExecuteScript runs ECMAScript source inside a fresh goja runtime, passing
// args/kwargs as `args`/`kwargs` globals and an optional `state` callback
// global when cb is non-nil. If the script's top-level expression
// evaluates to a function, it is called with (args, kwargs, state) and its
// return value becomes the plugin's result; any other value is the result
// itself. A returned promise is exported as-is, not awaited. The source is
// wrapped as `(function(){...})()`, cancellation drives rt.Interrupt, and
// console.log output is captured rather than written to the real stdout.
func ExecuteScript(ctx context.Context, source string, args []any, kwargs map[string]any, cb StateCallback) (any, error) {
	rt := goja.New()

	var logs []string
	console := rt.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		logs = append(logs, fmt.Sprint(parts...))
		return goja.Undefined()
	})
	if err := rt.Set("console", console); err != nil {
		return nil, fmt.Errorf("aimm: set console: %w", err)
	}

	if err := rt.Set("args", args); err != nil {
		return nil, fmt.Errorf("aimm: set args: %w", err)
	}
	if err := rt.Set("kwargs", kwargs); err != nil {
		return nil, fmt.Errorf("aimm: set kwargs: %w", err)
	}
	if cb != nil {
		if err := rt.Set("state", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) > 0 {
				cb(call.Arguments[0].Export())
			}
			return goja.Undefined()
		}); err != nil {
			return nil, fmt.Errorf("aimm: set state callback: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	wrapped := fmt.Sprintf(`(function() {
	const entry = (%s);
	if (typeof entry === 'function') {
		return entry(args, kwargs, typeof state !== 'undefined' ? state : undefined);
	}
	return entry;
})();`, source)

	val, err := rt.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("aimm: script execution failed: %w", err)
	}
	return val.Export(), nil
}
