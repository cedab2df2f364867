// Package logmsg provides the built-in handler that emits a structured log
// line from a definition.
package logmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/template"
)

// ErrMessageRequired is returned when the config has no message.
var ErrMessageRequired = errors.New("missing required field 'message'")

var validLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Config is the decoded handler configuration.
type Config struct {
	Message string `mapstructure:"message"`
	Level   string `mapstructure:"level"`
}

// Handler logs a templated message tagged with the run identifiers.
type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{logger: logger}
}

func (h *Handler) Execute(ctx context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	var cfg Config

	err := mapstructure.Decode(config, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid logmsg config: %w", err)
	}

	if cfg.Message == "" {
		return nil, ErrMessageRequired
	}

	level, ok := validLevels[cfg.Level]
	if !ok {
		level = slog.LevelInfo
	}

	message := template.Interpolate(cfg.Message, taskCtx)

	h.logger.LogAttrs(ctx, level, message,
		slog.String("definition_id", taskCtx.System.DefinitionID),
		slog.String("run_id", taskCtx.System.RunID),
		slog.String("session_id", taskCtx.System.SessionID),
		slog.String("state", taskCtx.System.CurrentState),
	)

	return models.Succeed(map[string]any{
		"logged": true,
		"level":  level.String(),
	}), nil
}

func (h *Handler) Validate(config map[string]any) error {
	message, ok := config["message"].(string)
	if !ok || message == "" {
		return ErrMessageRequired
	}

	if level, ok := config["level"].(string); ok && level != "" {
		if _, valid := validLevels[level]; !valid {
			return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", level)
		}
	}

	return nil
}
