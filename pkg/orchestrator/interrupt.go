package orchestrator

import "strings"

// DefaultInterruptThreshold is the confidence a cross-topic intent needs to
// interrupt an active task.
const DefaultInterruptThreshold = 0.85

// InterruptPolicy decides when an inbound turn interrupts the active task
// instead of being fed into it. It is plain data so deployments can tune it
// without code changes.
type InterruptPolicy struct {
	// Keywords interrupt regardless of intent confidence.
	Keywords []string

	// Threshold is the minimum confidence for a cross-topic intent.
	Threshold float64

	// CategoryThresholds override Threshold per intent category (the
	// definition module the intent would match).
	CategoryThresholds map[string]float64
}

func DefaultInterruptPolicy() InterruptPolicy {
	return InterruptPolicy{
		Keywords:  []string{"stop", "cancel", "help"},
		Threshold: DefaultInterruptThreshold,
	}
}

// MatchesKeyword reports whether the message is one of the allowlisted
// interrupt words. Only short messages qualify so "please cancel the extra
// cheese" does not abort an order.
func (p InterruptPolicy) MatchesKeyword(message string) bool {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(message)))
	if len(words) == 0 || len(words) > 2 {
		return false
	}

	for _, keyword := range p.Keywords {
		for _, word := range words {
			if word == keyword {
				return true
			}
		}
	}

	return false
}

// ShouldInterrupt reports whether a classified intent is confident enough to
// take over. category is the module of the definition the intent would match.
func (p InterruptPolicy) ShouldInterrupt(confidence float64, category string) bool {
	threshold := p.Threshold
	if override, ok := p.CategoryThresholds[category]; ok {
		threshold = override
	}

	return confidence >= threshold
}
