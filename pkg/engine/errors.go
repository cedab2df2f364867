package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/colloquy/colloquy/pkg/models"
)

// StateNotFoundError indicates the run points at a state the definition no
// longer contains. Not recoverable; the run is marked failed.
type StateNotFoundError struct {
	Definition string
	State      string
}

func (e *StateNotFoundError) Error() string {
	return fmt.Sprintf("state %q not found in definition %q", e.State, e.Definition)
}

// ActionError carries a handler failure that aborted a state under fail
// semantics.
type ActionError struct {
	State   string
	Handler string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("handler %q failed in state %q: %s", e.Handler, e.State, e.Message)
}

// IsStateNotFound checks whether an error indicates a missing state.
func IsStateNotFound(err error) bool {
	var target *StateNotFoundError

	return errors.As(err, &target)
}

// IsActionError checks whether an error is an aborting handler failure.
func IsActionError(err error) bool {
	var target *ActionError

	return errors.As(err, &target)
}

// checkInput applies a wait-state input validator to the inbound message.
// Returns the rejection reason when validation fails.
func checkInput(validator *models.InputValidator, message string) (string, bool) {
	message = strings.TrimSpace(message)

	if len(message) < validator.MinLen {
		return fmt.Sprintf("input must be at least %d characters", validator.MinLen), false
	}

	if validator.Type == "number" {
		if _, err := strconv.ParseFloat(message, 64); err != nil {
			return "input must be a number", false
		}
	}

	if validator.Pattern != "" {
		re, err := regexp.Compile(validator.Pattern)
		if err != nil {
			// A broken pattern must not lock the user out.
			return "", true
		}

		if !re.MatchString(message) {
			return "input does not match the expected format", false
		}
	}

	return "", true
}
