package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"taskqueue/internal/taskcontext"
)

// ErrUnknownTaskType is returned for a type no handler was registered
// for. The worker converts it into a terminal FAILURE without retry:
// registry gaps do not self-heal by redelivering to the same workers.
var ErrUnknownTaskType = errors.New("unknown task type")

// Handler implements one task type. The ambient application context is
// an explicit parameter, not a process-wide lookup; ctx carries the
// soft time limit and cancellation. Handlers may be invoked more than
// once for the same task id after broker redelivery and must be
// idempotent.
type Handler func(ctx context.Context, app *taskcontext.Context, args []any, kwargs map[string]any) (json.RawMessage, error)

// Registry is an immutable task-type to handler mapping, built once at
// worker startup.
type Registry struct {
	handlers map[string]Handler
}

// Resolve ...
func (r *Registry) Resolve(taskType string) (Handler, error) {
	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return handler, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Builder accumulates registrations before the registry is sealed.
type Builder struct {
	handlers map[string]Handler
}

// Register ...
func (b *Builder) Register(taskType string, handler Handler) *Builder {
	b.handlers[taskType] = handler
	return b
}

// Build seals the registrations into an immutable Registry.
func (b *Builder) Build() *Registry {
	handlers := make(map[string]Handler, len(b.handlers))
	for name, handler := range b.handlers {
		handlers[name] = handler
	}
	return &Registry{handlers: handlers}
}

// NewBuilder ...
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Handler)}
}
