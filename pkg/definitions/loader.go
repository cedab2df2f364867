// Package definitions loads, structurally validates and caches task
// definitions. Definitions are read-only at runtime; edits happen in the
// authoring surface and reach this process only through cache invalidation.
package definitions

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/colloquy/colloquy/pkg/models"
)

// documentSchema is the structural contract checked before a definition
// document is decoded. Semantic checks (targets exist, handlers registered)
// happen in Definition.Validate.
const documentSchema = `{
	"type": "object",
	"required": ["id", "module", "states", "initial_state"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"module": {"type": "string", "minLength": 1},
		"trigger": {"type": "string"},
		"version": {"type": "integer", "minimum": 0},
		"enabled": {"type": "boolean"},
		"initial_state": {"type": "string", "minLength": 1},
		"final_states": {"type": "array", "items": {"type": "string"}},
		"states": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"enum": ["action", "decision", "wait", "end"]},
					"actions": {"type": "array"},
					"on_entry": {"type": "array"},
					"on_exit": {"type": "array"},
					"conditions": {"type": "array"},
					"transitions": {"type": "object", "additionalProperties": {"type": "string"}},
					"validator": {"type": "object"}
				}
			}
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Load parses and structurally validates a definition document. Error-strategy
// aliases are folded during decoding.
func Load(document []byte) (*models.Definition, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to check definition document: %w", err)
	}

	if !result.Valid() {
		return nil, &InvalidDefinitionError{Problems: schemaProblems(result)}
	}

	var def models.Definition

	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition document: %w", err)
	}

	return &def, nil
}

// LoadAndValidate additionally runs the semantic checks against the handler
// set. A definition failing either layer must never start a run.
func LoadAndValidate(document []byte, handlerRegistered func(string) bool) (*models.Definition, error) {
	def, err := Load(document)
	if err != nil {
		return nil, err
	}

	if errs := def.Validate(handlerRegistered); len(errs) > 0 {
		problems := make([]string, len(errs))
		for i, e := range errs {
			problems[i] = e.Error()
		}

		return nil, &InvalidDefinitionError{ID: def.ID, Problems: problems}
	}

	return def, nil
}

func schemaProblems(result *gojsonschema.Result) []string {
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return problems
}

// InvalidDefinitionError aggregates everything wrong with a definition
// document so authors can fix it in one pass.
type InvalidDefinitionError struct {
	ID       string
	Problems []string
}

func (e *InvalidDefinitionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("definition %s is invalid: %v", e.ID, e.Problems)
	}

	return fmt.Sprintf("definition is invalid: %v", e.Problems)
}
