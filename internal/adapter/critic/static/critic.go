// Package static provides a deterministic rule-based critic. It needs no
// network, answers instantly, and anchors priority rank 0 in the default
// configuration.
package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
)

// Rule matches a term in the case text and maps it to a verdict.
type Rule struct {
	Term    string
	Verdict domain.Verdict
	Reason  string
}

// DefaultRules returns the built-in deny and review terms.
func DefaultRules() []Rule {
	return []Rule{
		{Term: "delete all", Verdict: domain.VerdictDeny, Reason: "bulk destructive operation"},
		{Term: "drop table", Verdict: domain.VerdictDeny, Reason: "destructive schema change"},
		{Term: "disable audit", Verdict: domain.VerdictDeny, Reason: "audit trail must stay intact"},
		{Term: "bypass approval", Verdict: domain.VerdictDeny, Reason: "approval flow must not be skipped"},
		{Term: "production", Verdict: domain.VerdictReview, Reason: "touches a production environment"},
		{Term: "credentials", Verdict: domain.VerdictReview, Reason: "involves credential material"},
	}
}

// Critic evaluates cases against a fixed term list.
type Critic struct {
	id    string
	rules []Rule
}

// NewCritic constructs a static critic. Nil rules fall back to the
// built-in set.
func NewCritic(id string, rules []Rule) *Critic {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Critic{id: id, rules: rules}
}

// ID returns the critic identifier.
func (c *Critic) ID() string {
	return c.id
}

// Evaluate applies the rules in order. The first DENY match wins; a REVIEW
// match without a DENY yields REVIEW; otherwise the case is allowed.
func (c *Critic) Evaluate(ctx context.Context, cs domain.Case) (critic.Opinion, error) {
	if err := ctx.Err(); err != nil {
		return critic.Opinion{}, critic.NewTimeoutError(c.id, "evaluation canceled")
	}

	text := strings.ToLower(cs.Text)

	var reviewReason string
	for _, r := range c.rules {
		if !strings.Contains(text, r.Term) {
			continue
		}
		switch r.Verdict {
		case domain.VerdictDeny:
			return critic.Opinion{
				Verdict:       domain.VerdictDeny,
				Confidence:    0.95,
				Justification: fmt.Sprintf("matched deny rule %q: %s", r.Term, r.Reason),
			}, nil
		case domain.VerdictReview:
			if reviewReason == "" {
				reviewReason = fmt.Sprintf("matched review rule %q: %s", r.Term, r.Reason)
			}
		}
	}

	if reviewReason != "" {
		return critic.Opinion{
			Verdict:       domain.VerdictReview,
			Confidence:    0.7,
			Justification: reviewReason,
		}, nil
	}

	return critic.Opinion{
		Verdict:       domain.VerdictAllow,
		Confidence:    0.6,
		Justification: "no rule matched",
	}, nil
}
