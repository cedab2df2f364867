package setvar

import "github.com/colloquy/colloquy/pkg/protocol"

// Factory creates setvar handlers.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return NewHandler(), nil
}

func (f *Factory) ID() string {
	return "setvar"
}

// Schema returns the JSON schema for setvar configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"variables": map[string]any{
				"type":        "object",
				"description": "Key/value pairs written into context data. Values support templating.",
				"examples": []map[string]any{
					{"dish": "{{message}}"},
					{"attempts": 0, "greeting": "Hello {{user.name}}"},
				},
			},
		},
		"required": []string{"variables"},
	}
}
