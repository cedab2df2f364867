package reply

import "github.com/colloquy/colloquy/pkg/protocol"

// Factory creates reply handlers.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return NewHandler(), nil
}

func (f *Factory) ID() string {
	return "reply"
}

// Schema returns the JSON schema for reply configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Text shown to the user. Supports templating against context data.",
				"examples": []string{
					"Got it: {{dish}}",
					"Your order {{order.id}} is on its way.",
				},
			},
			"buttons": map[string]any{
				"type":        "array",
				"description": "Quick-reply buttons, each with title and payload.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":   map[string]any{"type": "string"},
						"payload": map[string]any{"type": "string"},
					},
					"required": []string{"title"},
				},
			},
			"cards": map[string]any{
				"type":        "array",
				"description": "Rich cards rendered by channels that support them.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":     map[string]any{"type": "string"},
						"subtitle":  map[string]any{"type": "string"},
						"image_url": map[string]any{"type": "string"},
					},
					"required": []string{"title"},
				},
			},
			"metadata": map[string]any{
				"type":        "object",
				"description": "Channel-specific extras passed through untouched.",
			},
		},
		"required": []string{"message"},
	}
}
