// Package actions maps stable function ids to Go callables.
//
// The catalog of real OS-level modules lives outside this agent; jobs
// reference functions by id and the registry resolves them once, at add
// time, so an unknown function is rejected before it ever schedules.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownFunction = errors.New("unknown function")

// Func is one invocable job action. Implementations must honor ctx
// cancellation; the scheduler bounds every invocation with a timeout.
type Func func(ctx context.Context, args []string, kwargs map[string]any) (any, error)

// Registry is the string-keyed function table.
// Registration happens at startup; resolution at schedule/admission time.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Func{}}
}

func (r *Registry) Register(id string, fn Func) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("function id is required")
	}
	if fn == nil {
		return fmt.Errorf("function %s: nil callable", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[id]; dup {
		return fmt.Errorf("function %s already registered", id)
	}
	r.m[id] = fn
	return nil
}

// Resolve returns the callable for id.
func (r *Registry) Resolve(id string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.m[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, id)
	}
	return fn, nil
}

// Has is the registry's existence check, shaped for schedule.ResolveFunc.
func (r *Registry) Has(id string) error {
	_, err := r.Resolve(id)
	return err
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
