package orchestrator

import (
	"errors"
	"strings"
)

// ErrNoActiveTask is returned by Resume and Cancel when the session has no run
// in flight.
var ErrNoActiveTask = errors.New("no active task for session")

// ErrNoMatch is returned when no definition matches a detected intent.
var ErrNoMatch = errors.New("no definition matches intent")

// ErrorCategory is the small user-facing taxonomy internal failures map to.
// Raw error strings never reach the user.
type ErrorCategory string

const (
	CategoryAuth         ErrorCategory = "auth"
	CategoryCatalog      ErrorCategory = "catalog"
	CategoryAddress      ErrorCategory = "address"
	CategoryPayment      ErrorCategory = "payment"
	CategoryConnectivity ErrorCategory = "connectivity"
	CategoryGeneric      ErrorCategory = "generic"
)

var categoryMessages = map[ErrorCategory]string{
	CategoryAuth:         "I couldn't verify your account. Please sign in again and retry.",
	CategoryCatalog:      "I couldn't look that up right now. Please try again in a moment.",
	CategoryAddress:      "I couldn't work with that address. Could you check it and try again?",
	CategoryPayment:      "There was a problem with the payment. Please check your payment method.",
	CategoryConnectivity: "I'm having trouble reaching our services. Please try again shortly.",
	CategoryGeneric:      "Something went wrong on our side. Please try again.",
}

var categoryHints = []struct {
	category ErrorCategory
	hints    []string
}{
	{CategoryAuth, []string{"auth", "unauthorized", "forbidden", "token", "login", "credential"}},
	{CategoryAddress, []string{"address", "zipcode", "postal", "geocod"}},
	{CategoryPayment, []string{"payment", "card", "charge", "billing"}},
	{CategoryCatalog, []string{"catalog", "search", "menu", "product", "not found"}},
	{CategoryConnectivity, []string{"timeout", "timed out", "connection", "unreachable", "refused", "dns"}},
}

// categorize maps an internal error message to the user-facing taxonomy.
func categorize(internal string) ErrorCategory {
	lowered := strings.ToLower(internal)

	for _, entry := range categoryHints {
		for _, hint := range entry.hints {
			if strings.Contains(lowered, hint) {
				return entry.category
			}
		}
	}

	return CategoryGeneric
}

// userMessage returns the fixed text for a category.
func userMessage(category ErrorCategory) string {
	if msg, ok := categoryMessages[category]; ok {
		return msg
	}

	return categoryMessages[CategoryGeneric]
}
