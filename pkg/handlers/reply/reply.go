// Package reply provides the built-in handler that composes the user-facing
// reply for a turn.
package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/template"
)

// ErrMessageRequired is returned when the config has no message.
var ErrMessageRequired = errors.New("missing required field 'message'")

// Config is the decoded handler configuration. Message supports templating;
// buttons and cards pass through to the channel response as-is after their
// string fields are rendered.
type Config struct {
	Message  string         `mapstructure:"message"`
	Buttons  []any          `mapstructure:"buttons"`
	Cards    []any          `mapstructure:"cards"`
	Metadata map[string]any `mapstructure:"metadata"`
}

// Handler writes a reply into the context response slot. It never talks to a
// channel directly; delivery happens when the turn's response is assembled.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Execute renders the configured reply and stores it under the response slot,
// overwriting whatever an earlier action in the same turn left there.
func (h *Handler) Execute(_ context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	var cfg Config

	err := mapstructure.Decode(config, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid reply config: %w", err)
	}

	if cfg.Message == "" {
		return nil, ErrMessageRequired
	}

	slot := map[string]any{
		"message": template.Interpolate(cfg.Message, taskCtx),
	}

	if len(cfg.Buttons) > 0 {
		slot["buttons"] = template.Render(cfg.Buttons, taskCtx)
	}

	if len(cfg.Cards) > 0 {
		slot["cards"] = template.Render(cfg.Cards, taskCtx)
	}

	if len(cfg.Metadata) > 0 {
		slot["metadata"] = template.RenderConfig(cfg.Metadata, taskCtx)
	}

	taskCtx.Data[models.ResponseKey] = slot

	return models.Succeed(slot), nil
}

// Validate rejects configs with no message before any state is touched.
func (h *Handler) Validate(config map[string]any) error {
	message, ok := config["message"].(string)
	if !ok || message == "" {
		return ErrMessageRequired
	}

	return nil
}
