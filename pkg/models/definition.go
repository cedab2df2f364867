// Package models defines the core domain models for declarative conversational tasks.
package models

import (
	"fmt"
	"time"
)

// Definition is a versioned declarative state machine for one conversational
// task ("place an order", "authenticate", "book a delivery"). Definitions are
// loaded read-only; editing happens in the authoring surface, never here.
type Definition struct {
	ID           string            `json:"id"            validate:"required"`
	Module       string            `json:"module"        validate:"required"`
	Trigger      string            `json:"trigger"` // Pipe-delimited intent patterns, e.g. "order_food|reorder"
	Version      int               `json:"version"`
	States       map[string]*State `json:"states"        validate:"required,min=1"`
	InitialState string            `json:"initial_state" validate:"required"`
	FinalStates  []string          `json:"final_states"`
	Enabled      bool              `json:"enabled"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
}

// Validate checks the structural invariants that must hold before a definition
// is allowed to start a run: the initial state exists, every final state
// exists, every transition target exists, and every referenced handler is
// registered. It returns all problems found, not just the first.
func (d *Definition) Validate(handlerRegistered func(name string) bool) []error {
	var errs []error

	if len(d.States) == 0 {
		return []error{fmt.Errorf("definition %s has no states", d.ID)}
	}

	if _, ok := d.States[d.InitialState]; !ok {
		errs = append(errs, fmt.Errorf("initial state %q does not exist", d.InitialState))
	}

	for _, final := range d.FinalStates {
		if _, ok := d.States[final]; !ok {
			errs = append(errs, fmt.Errorf("final state %q does not exist", final))
		}
	}

	for name, state := range d.States {
		errs = append(errs, d.validateState(name, state, handlerRegistered)...)
	}

	return errs
}

func (d *Definition) validateState(name string, state *State, handlerRegistered func(string) bool) []error {
	var errs []error

	if !state.Type.Valid() {
		errs = append(errs, fmt.Errorf("state %q has unknown type %q", name, state.Type))
	}

	for event, target := range state.Transitions {
		if _, ok := d.States[target]; !ok {
			errs = append(errs, fmt.Errorf("state %q transition %q targets missing state %q", name, event, target))
		}
	}

	if state.Type == StateTypeDecision && len(state.Conditions) == 0 {
		errs = append(errs, fmt.Errorf("decision state %q has no conditions", name))
	}

	if state.Type == StateTypeEnd && len(state.Transitions) > 0 {
		errs = append(errs, fmt.Errorf("end state %q must not have transitions", name))
	}

	if handlerRegistered != nil {
		for _, action := range state.AllActions() {
			if !handlerRegistered(action.Handler) {
				errs = append(errs, fmt.Errorf("state %q references unregistered handler %q", name, action.Handler))
			}
		}
	}

	return errs
}

// IsFinal reports whether the named state terminates a run.
func (d *Definition) IsFinal(stateName string) bool {
	for _, final := range d.FinalStates {
		if final == stateName {
			return true
		}
	}

	return false
}

// State returns the named state, or nil when it does not exist.
func (d *Definition) State(name string) *State {
	return d.States[name]
}
