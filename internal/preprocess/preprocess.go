// Package preprocess is the host-side registry of preprocessor
// callables. A route's preprocess steps are resolved at compile time
// to a stable key (routedef.CallableRef.Key); this package is where
// the process that actually runs those steps registers implementations
// during startup, instead of loading them dynamically.
package preprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/routegrid/engine/pkg/execerr"
)

// Func is a preprocessor: given the current request parameters, it
// returns either a replacement params map or nil to leave params
// unchanged. Preprocessors may perform I/O and run synchronously on
// the caller's context; a returned error fails the request with
// preprocess_error.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry maps a compile-time-resolved callable key to its Go
// implementation.
type Registry struct {
	mu        sync.RWMutex
	callables map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callables: map[string]Func{}}
}

// Register binds key (routedef.CallableRef.Key()) to fn. Registering
// the same key twice replaces the previous binding; callers typically
// do this once at startup, before any route executes.
func (r *Registry) Register(key string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callables[key] = fn
}

// Resolve returns the Func bound to key, or an error tagged
// preprocess_error if nothing was registered under it.
func (r *Registry) Resolve(key string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callables[key]
	if !ok {
		return nil, execerr.New(execerr.CodePreprocessError, fmt.Sprintf("no preprocessor registered for %q", key))
	}
	return fn, nil
}

// Run resolves key and invokes it with params, wrapping any error the
// callable itself returns as preprocess_error. A nil result from the
// callable means "keep params unchanged".
func (r *Registry) Run(ctx context.Context, key string, params map[string]any) (map[string]any, error) {
	fn, err := r.Resolve(key)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, params)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodePreprocessError, fmt.Errorf("preprocessor %q: %w", key, err))
	}
	if out == nil {
		return params, nil
	}
	return out, nil
}
