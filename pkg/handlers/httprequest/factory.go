package httprequest

import (
	"net/http"

	"github.com/colloquy/colloquy/pkg/protocol"
)

// Factory creates http_request handlers sharing one client.
type Factory struct {
	client *http.Client
}

func NewFactory(client *http.Client) *Factory {
	return &Factory{client: client}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return NewHandler(f.client), nil
}

func (f *Factory) ID() string {
	return "http_request"
}

// Schema returns the JSON schema for http_request configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Full URL to call. Supports templating against context data.",
				"examples": []string{
					"https://catalog.internal/search?q={{dish}}",
					"https://orders.internal/orders/{{order.id}}",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers. Values support templating.",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body, typically JSON. Supports templating.",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"default": defaultTimeoutSeconds,
				"minimum": 1,
			},
		},
		"required": []string{"url"},
	}
}
