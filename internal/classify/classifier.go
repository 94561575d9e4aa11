// Package classify defines the classifier contract. The implementation
// behind the interface may be rules, an LLM or a hybrid; the core only
// depends on its output shape.
package classify

import (
	"context"
	"strings"
)

// ClassUnclear is the fallback class for unknown or empty classifier
// output.
const ClassUnclear = "unclear_intent"

// knownClasses are the intents the core recognizes; anything else is
// normalized to unclear_intent.
var knownClasses = map[string]bool{
	"Termin":              true,
	"Terminabsage":        true,
	"Terminbestaetigung":  true,
	"appointment_request": true,
	"faq":                 true,
	"rezept_anfrage":      true,
	"au_anfrage":          true,
	"mixed":               true,
	ClassUnclear:          true,
}

// Result is the classifier output contract.
type Result struct {
	Class      string         `json:"class"`
	Confidence float64        `json:"confidence"`
	Flags      []string       `json:"flags"`
	Details    map[string]any `json:"details"`
}

// Classifier classifies normalized message text. Implementations must
// be side-effect free from the core's perspective and honor the
// context deadline.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, text string) (Result, error)

func (f Func) Classify(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}

// NormalizeClass maps unknown or empty classes to unclear_intent and
// clamps confidence into [0, 1].
func NormalizeClass(result Result) Result {
	class := strings.TrimSpace(result.Class)
	if class == "" || !knownClasses[class] {
		class = ClassUnclear
	}
	result.Class = class
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	if result.Flags == nil {
		result.Flags = []string{}
	}
	if result.Details == nil {
		result.Details = map[string]any{}
	}
	return result
}
