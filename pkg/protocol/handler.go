// Package protocol defines the contracts for pluggable side-effect handlers.
package protocol

import (
	"context"

	"github.com/colloquy/colloquy/pkg/models"
)

// Handler performs one side effect on behalf of an action. Handlers are the
// only place in the system permitted to do network or storage I/O; the engine
// and orchestrator never call out directly.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error)
}

// Validator is optionally implemented by handlers that can reject a config
// before any side effect happens.
type Validator interface {
	Validate(config map[string]any) error
}

// HandlerFactory creates handler instances and describes the handler type.
type HandlerFactory interface {
	// Create builds a handler bound to its dependencies.
	Create() (Handler, error)

	// ID returns the unique name actions reference this handler by.
	ID() string

	// Schema returns the JSON schema for this handler's config.
	Schema() map[string]any
}
