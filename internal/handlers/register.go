package handlers

import (
	"taskqueue/internal/registry"
	"taskqueue/internal/service/echo"
)

// RegisterAll wires every task handler into the registry builder.
// Registration happens once per worker process, at startup.
func RegisterAll(
	b *registry.Builder,
	echoSvc *echo.Svc,
) {
	b.Register("echo", NewEchoHandler(echoSvc))
}
