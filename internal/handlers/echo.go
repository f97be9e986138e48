package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"taskqueue/internal/registry"
	"taskqueue/internal/service/echo"
	"taskqueue/internal/taskcontext"
)

// NewEchoHandler returns the handler for the echo task type. It is the
// demo seam showing how business handlers plug into the registry.
func NewEchoHandler(svc *echo.Svc) registry.Handler {
	return func(ctx context.Context, _ *taskcontext.Context, args []any, _ map[string]any) (json.RawMessage, error) {
		if len(args) < 1 {
			return nil, errors.New("echo requires one positional argument")
		}
		message, ok := args[0].(string)
		if !ok {
			return nil, errors.New("echo argument must be a string")
		}

		result, err := svc.Echo(ctx, message)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}
