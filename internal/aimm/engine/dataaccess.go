package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hat-open/aimm/internal/aimm/aimmerr"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/reactive"
	"github.com/hat-open/aimm/internal/aimm/registry"
)

// resolveDataAccess runs one pool handler per DataAccess placeholder found
// in args/kwargs, in parallel, and substitutes each result in place. All
// handlers must complete before the caller proceeds; the first failure
// cancels the rest and fails with DataAccessFailed{key}.
//
// key and da are captured as loop-local copies in both branches below to
// avoid the classic closure-over-loop-variable bug.
func (e *Engine) resolveDataAccess(ctx context.Context, substate *reactive.Node, args []any, kwargs map[string]any) ([]any, map[string]any, error) {
	type job struct {
		key  string // positional index (as string) or keyword name
		da   model.DataAccess
		slot func(result any)
	}

	resolvedArgs := make([]any, len(args))
	copy(resolvedArgs, args)
	resolvedKwargs := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		resolvedKwargs[k] = v
	}

	var jobs []job
	for i, v := range args {
		if da, ok := model.IsDataAccess(v); ok {
			i, da := i, da // per-iteration binding
			jobs = append(jobs, job{
				key:  fmt.Sprint(i),
				da:   da,
				slot: func(result any) { resolvedArgs[i] = result },
			})
		}
	}
	for k, v := range kwargs {
		if da, ok := model.IsDataAccess(v); ok {
			key, da := k, da // per-iteration binding
			jobs = append(jobs, job{
				key:  key,
				da:   da,
				slot: func(result any) { resolvedKwargs[key] = result },
			})
		}
	}

	if len(jobs) == 0 {
		return resolvedArgs, resolvedKwargs, nil
	}

	dataAccessNode := substate.Substate("data_access")
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, jb := range jobs {
		jb := jb
		wg.Add(1)
		go func() {
			defer wg.Done()
			childNode := dataAccessNode.RegisterSubstate(jb.key)
			childNode.RegisterSubstate("action")
			childNode.Update(map[string]any{"status": model.StatusExecuting})

			desc, _, err := e.registry.Lookup(registry.KindDataAccess, jb.da.Name)
			if err == nil {
				var result any
				result, err = e.runPlugin(gctx, childNode, registry.KindDataAccess, jb.da.Name, desc, jb.da.Args, jb.da.Kwargs)
				if err == nil {
					jb.slot(result)
					childNode.Update(map[string]any{"status": model.StatusComplete})
				}
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = &aimmerr.DataAccessFailed{Key: jb.key, Cause: err}
				}
				mu.Unlock()
				childNode.Update(map[string]any{"status": model.StatusFailed, "error": err.Error()})
				cancel()
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return resolvedArgs, resolvedKwargs, nil
}
