// Package template resolves {{path}} references and fallback chains for
// dynamic task configuration. Missing paths resolve to the empty string;
// interpolation never fails.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/colloquy/colloquy/pkg/models"
)

// Interpolate replaces every {{...}} occurrence in the input. Each reference
// is a dotted path ("user.address.city") or a fallback chain
// ("nickname || name || \"there\""). Unresolvable references become "".
func Interpolate(input string, taskCtx *models.TaskContext) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	var out strings.Builder

	rest := input
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}

		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			out.WriteString(rest)
			break
		}

		out.WriteString(rest[:start])

		ref := strings.TrimSpace(rest[start+2 : start+end])
		if value, ok := resolveChain(ref, taskCtx); ok && value != nil {
			out.WriteString(stringify(value))
		}

		rest = rest[start+end+2:]
	}

	return out.String()
}

// Resolve looks up a dotted path and returns the raw, unstringified value.
// Bare paths try task data first, then system bookkeeping.
func Resolve(path string, taskCtx *models.TaskContext) (any, bool) {
	if taskCtx == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")

	switch segments[0] {
	case "data":
		return walk(taskCtx.Data, segments[1:])
	case "system":
		return walk(systemMap(&taskCtx.System), segments[1:])
	default:
		if value, ok := walk(taskCtx.Data, segments); ok {
			return value, true
		}

		return walk(systemMap(&taskCtx.System), segments)
	}
}

// Render deep-templates strings inside maps and slices. A string that is
// exactly one {{reference}} keeps the referenced value's raw type, so lists
// and objects (e.g. an array of cards) pass through unchanged.
func Render(value any, taskCtx *models.TaskContext) any {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
			strings.Count(trimmed, "{{") == 1 {
			ref := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			if raw, ok := resolveChain(ref, taskCtx); ok {
				return raw
			}

			return ""
		}

		return Interpolate(v, taskCtx)
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for key, item := range v {
			rendered[key] = Render(item, taskCtx)
		}

		return rendered
	case []any:
		rendered := make([]any, len(v))
		for i, item := range v {
			rendered[i] = Render(item, taskCtx)
		}

		return rendered
	default:
		return value
	}
}

// RenderConfig templates an action config map against the live context.
func RenderConfig(config map[string]any, taskCtx *models.TaskContext) map[string]any {
	if config == nil {
		return map[string]any{}
	}

	rendered, _ := Render(config, taskCtx).(map[string]any)

	return rendered
}

// resolveChain resolves "a || b || \"literal\"" left to right, returning the
// first present, non-nil, non-empty value.
func resolveChain(ref string, taskCtx *models.TaskContext) (any, bool) {
	for _, candidate := range strings.Split(ref, "||") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		if literal, ok := parseLiteral(candidate); ok {
			return literal, true
		}

		if value, ok := Resolve(candidate, taskCtx); ok && !isEmpty(value) {
			return value, true
		}
	}

	return nil, false
}

func parseLiteral(token string) (any, bool) {
	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') ||
			(token[0] == '\'' && token[len(token)-1] == '\'') {
			return token[1 : len(token)-1], true
		}
	}

	if num, err := strconv.ParseFloat(token, 64); err == nil {
		return num, true
	}

	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}

	return nil, false
}

func walk(root any, segments []string) (any, bool) {
	current := root

	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func systemMap(system *models.SystemContext) map[string]any {
	return map[string]any{
		"definition_id": system.DefinitionID,
		"run_id":        system.RunID,
		"session_id":    system.SessionID,
		"current_state": system.CurrentState,
		"attempt_count": system.AttemptCount,
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	default:
		return false
	}
}
