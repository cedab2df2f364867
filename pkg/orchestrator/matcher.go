package orchestrator

import (
	"strings"

	"github.com/colloquy/colloquy/pkg/models"
)

// genericIntents are the classifier's catch-all labels; only these may fall
// back to a pure-module match, everything else needs a real trigger hit.
var genericIntents = map[string]bool{
	"":        true,
	"unknown": true,
	"generic": true,
	"other":   true,
}

// matchDefinition resolves a detected intent to a definition, most precise
// rule first: exact trigger, pipe-pattern segment, keyword heuristic over the
// raw text, same-module fallback, and a pure-module fallback reserved for
// generic intents. Returns nil when nothing matches; precision over recall.
func matchDefinition(defs []*models.Definition, intent, rawText, activeModule string) *models.Definition {
	intent = strings.ToLower(strings.TrimSpace(intent))

	for _, def := range defs {
		if def.Trigger != "" && strings.EqualFold(def.Trigger, intent) {
			return def
		}
	}

	for _, def := range defs {
		if matchesPattern(def.Trigger, intent) {
			return def
		}
	}

	if def := matchByKeyword(defs, rawText); def != nil {
		return def
	}

	if activeModule != "" {
		for _, def := range defs {
			if def.Module == activeModule && matchesPattern(def.Trigger, intent) {
				return def
			}
		}
	}

	if genericIntents[intent] && activeModule != "" {
		for _, def := range defs {
			if def.Module == activeModule {
				return def
			}
		}
	}

	return nil
}

// matchesPattern checks the intent against a pipe-delimited trigger
// expression; each segment matches exactly or as a prefix ("order_*").
func matchesPattern(trigger, intent string) bool {
	if trigger == "" || intent == "" {
		return false
	}

	for _, segment := range strings.Split(trigger, "|") {
		segment = strings.ToLower(strings.TrimSpace(segment))
		if segment == "" {
			continue
		}

		if prefix, ok := strings.CutSuffix(segment, "*"); ok {
			if strings.HasPrefix(intent, prefix) {
				return true
			}

			continue
		}

		if segment == intent {
			return true
		}
	}

	return false
}

// matchByKeyword scans the raw message for trigger segments appearing as
// words. Requires segments of at least four characters to avoid accidental
// hits.
func matchByKeyword(defs []*models.Definition, rawText string) *models.Definition {
	text := strings.ToLower(rawText)
	if text == "" {
		return nil
	}

	for _, def := range defs {
		for _, segment := range strings.Split(def.Trigger, "|") {
			segment = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(segment, "*")))
			if len(segment) < 4 {
				continue
			}

			// Trigger names use underscores, messages use spaces.
			phrase := strings.ReplaceAll(segment, "_", " ")
			if strings.Contains(text, phrase) {
				return def
			}
		}
	}

	return nil
}
