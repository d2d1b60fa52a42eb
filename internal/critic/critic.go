// Package critic defines the capability contract every evaluator must
// satisfy. A critic is opaque to the engine: it may call a remote model, run
// a rule table, or replay canned answers, and the orchestrator treats all of
// them uniformly.
package critic

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/domain"
)

// Opinion is the structured result a critic returns for a case. Critics must
// return this type at the boundary; any parsing of free-text upstream
// responses belongs inside the adapter.
type Opinion struct {
	Verdict       domain.Verdict
	Confidence    float64
	Justification string
}

// Critic evaluates a single case. Evaluate must honor ctx cancellation and
// return a classified *Error on failure.
type Critic interface {
	ID() string
	Evaluate(ctx context.Context, c domain.Case) (Opinion, error)
}
