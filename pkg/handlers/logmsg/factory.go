package logmsg

import (
	"log/slog"

	"github.com/colloquy/colloquy/pkg/protocol"
)

// Factory creates logmsg handlers bound to a logger.
type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return NewHandler(f.logger), nil
}

func (f *Factory) ID() string {
	return "logmsg"
}

// Schema returns the JSON schema for logmsg configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating against context data.",
				"examples": []string{
					"checkout reached payment for {{system.session_id}}",
				},
			},
			"level": map[string]any{
				"type":    "string",
				"enum":    []string{"debug", "info", "warn", "error"},
				"default": "info",
			},
		},
		"required": []string{"message"},
	}
}
