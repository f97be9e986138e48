package taskcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrInit marks a failure to build the ambient context. The task is
// failed without ever invoking its handler.
var ErrInit = errors.New("task context initialization failed")

// Context is the ambient application scope a handler runs in:
// configuration and shared service handles that handler code written
// for an interactive request path assumes are available.
type Context struct {
	Log      *log.Entry
	services map[string]any
	closers  []func() error
}

// Service looks up a shared service handle by name.
func (c *Context) Service(name string) (any, bool) {
	svc, ok := c.services[name]
	return svc, ok
}

// OnClose registers a teardown hook, run in reverse order on Close.
func (c *Context) OnClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close tears the scope down. Always called, on every exit path.
func (c *Context) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Factory builds a fresh ambient context for one handler invocation.
type Factory interface {
	New(ctx context.Context) (*Context, error)
}

// FactoryFunc ...
type FactoryFunc func(ctx context.Context) (*Context, error)

// New ...
func (f FactoryFunc) New(ctx context.Context) (*Context, error) {
	return f(ctx)
}

// NewStatic returns a factory producing contexts over a fixed service
// set, the common case for a worker daemon whose handles are built
// once at startup.
func NewStatic(services map[string]any) Factory {
	return FactoryFunc(func(context.Context) (*Context, error) {
		return &Context{
			Log:      log.NewEntry(log.StandardLogger()),
			services: services,
		}, nil
	})
}

// Run establishes the ambient scope, invokes fn with it, and tears the
// scope down regardless of how fn exits. A factory failure is wrapped
// in ErrInit and fn is never invoked.
func Run(ctx context.Context, factory Factory, fn func(*Context) (json.RawMessage, error)) (json.RawMessage, error) {
	app, err := factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			log.WithError(closeErr).Error("Failed to tear down task context")
		}
	}()

	return fn(app)
}
