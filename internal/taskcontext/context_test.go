package taskcontext

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEstablishesAndTearsDown(t *testing.T) {
	t.Parallel()

	var closed []string
	factory := FactoryFunc(func(context.Context) (*Context, error) {
		c := &Context{services: map[string]any{"db": "handle"}}
		c.OnClose(func() error {
			closed = append(closed, "first")
			return nil
		})
		c.OnClose(func() error {
			closed = append(closed, "second")
			return nil
		})
		return c, nil
	})

	result, err := Run(context.Background(), factory, func(app *Context) (json.RawMessage, error) {
		svc, ok := app.Service("db")
		require.True(t, ok)
		assert.Equal(t, "handle", svc)
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), result)
	// Teardown hooks run in reverse registration order.
	assert.Equal(t, []string{"second", "first"}, closed)
}

func TestRunTearsDownOnHandlerError(t *testing.T) {
	t.Parallel()

	var closed bool
	factory := FactoryFunc(func(context.Context) (*Context, error) {
		c := &Context{}
		c.OnClose(func() error {
			closed = true
			return nil
		})
		return c, nil
	})

	_, err := Run(context.Background(), factory, func(*Context) (json.RawMessage, error) {
		return nil, errors.New("handler failed")
	})
	assert.Error(t, err)
	assert.True(t, closed)
}

func TestRunFactoryFailure(t *testing.T) {
	t.Parallel()

	var invoked bool
	factory := FactoryFunc(func(context.Context) (*Context, error) {
		return nil, errors.New("no database handle")
	})

	_, err := Run(context.Background(), factory, func(*Context) (json.RawMessage, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInit)
	// The handler must never run when the scope cannot be built.
	assert.False(t, invoked)
}

func TestStaticFactory(t *testing.T) {
	t.Parallel()

	factory := NewStatic(map[string]any{"cfg": 42})
	app, err := factory.New(context.Background())
	require.NoError(t, err)

	svc, ok := app.Service("cfg")
	require.True(t, ok)
	assert.Equal(t, 42, svc)
	assert.NoError(t, app.Close())
}
