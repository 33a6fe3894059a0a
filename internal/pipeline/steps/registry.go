// Package steps defines the action contract executed by job phases and the registry
// that resolves action names to implementations.
package steps

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Request is the input of one action invocation.
type Request struct {
	JobName  string
	Phase    string
	RunID    string
	Attempt  int
	Params   map[string]string
	Settings map[string]string
}

// Result is the outcome of an action. Detail is the failure reason when OK is false and
// is stored verbatim as the run's last error.
type Result struct {
	OK     bool
	Detail string
	Data   map[string]string
}

// Succeeded builds a successful Result.
func Succeeded(detail string) Result {
	return Result{OK: true, Detail: detail}
}

// Failed builds a failed Result.
func Failed(format string, args ...any) Result {
	return Result{OK: false, Detail: fmt.Sprintf(format, args...)}
}

// Action executes one opaque unit of work. Implementations must honour ctx cancellation.
// A returned error is treated like a failed Result with the error text as detail.
type Action interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// UnknownActionError is returned when no action is registered under a name.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Name)
}

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry preloaded with the noop action.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.Register("noop", ActionFunc(func(_ context.Context, req Request) (Result, error) {
		return Succeeded(req.Params["message"]), nil
	}))
	return r
}

// Register binds name to action, replacing any previous binding.
func (r *Registry) Register(name string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named action with params expanded from req.Settings.
func (r *Registry) Execute(ctx context.Context, name string, req Request) (Result, error) {
	action, ok := r.Lookup(name)
	if !ok {
		return Result{}, &UnknownActionError{Name: name}
	}
	req.Params = ExpandParams(req.Params, req.Settings)
	return action.Execute(ctx, req)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ExpandParams replaces {{key}} placeholders in param values with settings. Unknown keys
// are left as written.
func ExpandParams(params, settings map[string]string) map[string]string {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = placeholder.ReplaceAllStringFunc(v, func(m string) string {
			key := placeholder.FindStringSubmatch(m)[1]
			if val, ok := settings[key]; ok {
				return val
			}
			return m
		})
	}
	return out
}
