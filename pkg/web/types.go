// Package web provides the HTTP handlers for the conversation API.
package web

import (
	"time"

	"github.com/colloquy/colloquy/pkg/models"
)

// MessageRequest is the body for POST /sessions/:id/messages. Intent,
// confidence and entities are already-computed NLU outputs supplied by the
// caller.
type MessageRequest struct {
	Message    string         `json:"message"              validate:"required"`
	Event      string         `json:"event,omitempty"`
	Intent     string         `json:"intent,omitempty"`
	Confidence float64        `json:"confidence,omitempty" validate:"gte=0,lte=1"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// DefinitionSummary is the trimmed shape returned by the list endpoint.
type DefinitionSummary struct {
	ID        string    `json:"id"`
	Module    string    `json:"module"`
	Trigger   string    `json:"trigger,omitempty"`
	Version   int       `json:"version"`
	Enabled   bool      `json:"enabled"`
	States    int       `json:"states"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SummarizeDefinition trims a definition for listing.
func SummarizeDefinition(def *models.Definition) DefinitionSummary {
	return DefinitionSummary{
		ID:        def.ID,
		Module:    def.Module,
		Trigger:   def.Trigger,
		Version:   def.Version,
		Enabled:   def.Enabled,
		States:    len(def.States),
		UpdatedAt: def.UpdatedAt,
	}
}

// ValidationResponse reports the semantic check result for one definition.
type ValidationResponse struct {
	ID       string   `json:"id"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}
