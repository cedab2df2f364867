// Package setvar provides the built-in handler that writes templated values
// into context data.
package setvar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/template"
)

var (
	// ErrVariablesRequired is returned when the config names nothing to set.
	ErrVariablesRequired = errors.New("missing required field 'variables'")

	// ErrReservedKey is returned when a variable would shadow an internal
	// slot. Keys starting with underscore belong to the runtime.
	ErrReservedKey = errors.New("variable keys must not start with '_'")
)

// Config is the decoded handler configuration.
type Config struct {
	Variables map[string]any `mapstructure:"variables"`
}

// Handler copies each configured value into context data after rendering it,
// so later states and templates can read the result.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Execute(_ context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	var cfg Config

	err := mapstructure.Decode(config, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid setvar config: %w", err)
	}

	if len(cfg.Variables) == 0 {
		return nil, ErrVariablesRequired
	}

	written := make(map[string]any, len(cfg.Variables))

	for key, value := range cfg.Variables {
		rendered := template.Render(value, taskCtx)
		taskCtx.Data[key] = rendered
		written[key] = rendered
	}

	return models.Succeed(written), nil
}

func (h *Handler) Validate(config map[string]any) error {
	raw, ok := config["variables"].(map[string]any)
	if !ok || len(raw) == 0 {
		return ErrVariablesRequired
	}

	for key := range raw {
		if strings.HasPrefix(key, "_") {
			return fmt.Errorf("%w: %q", ErrReservedKey, key)
		}
	}

	return nil
}
