package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinition = `{
	"id": "order_food",
	"module": "food",
	"trigger": "order_food",
	"enabled": true,
	"initial_state": "ask",
	"final_states": ["done"],
	"states": {
		"ask": {
			"type": "wait",
			"actions": [{"handler": "reply", "config": {"message": "Which dish?"}}],
			"transitions": {"user_message": "done"}
		},
		"done": {"type": "end"}
	}
}`

const brokenDefinition = `{
	"id": "broken",
	"module": "food",
	"initial_state": "missing_state",
	"states": {
		"ask": {"type": "wait"}
	}
}`

func registered(name string) bool {
	return name == "reply"
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestValidateDirectoryAllValid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "order.json", validDefinition)

	assert.NoError(t, validateDirectory(dir, registered))
}

func TestValidateDirectoryReportsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "order.json", validDefinition)
	writeFile(t, dir, "broken.json", brokenDefinition)

	err := validateDirectory(dir, registered)
	require.ErrorIs(t, err, ErrInvalidDefinitions)
}

func TestValidateDirectoryEmpty(t *testing.T) {
	err := validateDirectory(t.TempDir(), registered)
	require.ErrorIs(t, err, ErrNoDefinitionsToScan)
}
