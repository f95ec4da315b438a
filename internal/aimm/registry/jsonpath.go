package registry

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// JSONPathDataAccess returns a built-in data_access Func that evaluates a
// JSONPath expression against a document. Call convention:
//
//	args[0]   = document, already decoded (map[string]any or []any); a JSON string is not parsed
//	kwargs["path"] = JSONPath expression, e.g. "$.items[0].id"
func JSONPathDataAccess() Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("aimm: jsonpath data access requires a document argument")
		}
		path, _ := kwargs["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("aimm: jsonpath data access requires a %q keyword", "path")
		}

		eval, err := jsonpath.New(path)
		if err != nil {
			return nil, fmt.Errorf("aimm: parse jsonpath %q: %w", path, err)
		}

		result, err := eval(ctx, args[0])
		if err != nil {
			return nil, fmt.Errorf("aimm: evaluate jsonpath %q: %w", path, err)
		}
		return result, nil
	}
}

// compile-time reference to gval, which keeps the direct import: the
// PaesslerAG/jsonpath evaluator above is itself built on gval's expression
// language, and jsonpath.New uses its own default language; nothing here
// selects or swaps it.
var _ = gval.Full
