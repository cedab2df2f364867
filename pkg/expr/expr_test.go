package expr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/pkg/expr"
	"github.com/colloquy/colloquy/pkg/models"
)

func evalContext() *models.TaskContext {
	taskCtx := models.NewTaskContext("def", "run", "sess")
	taskCtx.Data = map[string]any{
		"age":           float64(20),
		"name":          "Ada",
		"authenticated": true,
		"cart": map[string]any{
			"total": float64(42.5),
			"items": []any{"pizza", "soda"},
		},
		"notes": "",
	}

	return taskCtx
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	taskCtx := evalContext()

	tests := []struct {
		expr     string
		expected bool
	}{
		{"age >= 18", true},
		{"age < 18", false},
		{"age == 20", true},
		{"age != 20", false},
		{`name == "Ada"`, true},
		{`name == 'Bob'`, false},
		{"authenticated", true},
		{"!authenticated", false},
		{"cart.total > 40", true},
		{"cart.total > 40 && age >= 18", true},
		{"cart.total > 100 || authenticated", true},
		{"(age >= 18 && cart.total > 100) || authenticated", true},
		{"missing.path", false},
		{"missing.path == null", true},
		{`cart.items contains "pizza"`, true},
		{`cart.items contains "sushi"`, false},
		{`name contains "Ad"`, true},
		{"notes", false},
		{"true", true},
		{"false || false", false},
		{`age >= "18"`, true}, // numeric coercion of string operand
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			got, err := expr.Evaluate(tt.expr, taskCtx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	t.Parallel()

	taskCtx := evalContext()

	for _, bad := range []string{
		"",
		"age >",
		"age => 18",
		`name == "unterminated`,
		"(age >= 18",
		"age ; drop",
		"age >= 18 extra",
	} {
		t.Run(bad, func(t *testing.T) {
			t.Parallel()

			_, err := expr.Evaluate(bad, taskCtx)
			assert.Error(t, err)
		})
	}
}
