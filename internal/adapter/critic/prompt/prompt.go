// Package prompt builds the evaluation prompt shared by the LLM-backed
// critics and parses their structured replies.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
)

// Build renders the case into an evaluation prompt that demands a strict
// JSON reply.
func Build(c domain.Case) string {
	var b strings.Builder

	b.WriteString("You are a policy critic. Evaluate the proposed action below and respond\n")
	b.WriteString("with a single JSON object and nothing else:\n")
	b.WriteString(`{"verdict": "ALLOW" | "DENY" | "REVIEW", "confidence": <0.0-1.0>, "justification": "<one sentence>"}`)
	b.WriteString("\n\n")

	if c.Domain != "" {
		fmt.Fprintf(&b, "Domain: %s\n", c.Domain)
	}
	if len(c.Context) > 0 {
		keys := make([]string, 0, len(c.Context))
		for k := range c.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, c.Context[k])
		}
	}
	fmt.Fprintf(&b, "\nProposed action:\n%s\n", c.Text)

	return b.String()
}

type reply struct {
	Verdict       string  `json:"verdict"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// Parse extracts an opinion from a raw model reply. Anything that does not
// decode to the expected schema is a malformed-response error so the caller
// never retries it.
func Parse(criticID, raw string) (critic.Opinion, error) {
	cleaned := stripFences(strings.TrimSpace(raw))
	if cleaned == "" {
		return critic.Opinion{}, critic.NewMalformedResponseError(criticID, "empty reply")
	}

	var r reply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return critic.Opinion{}, critic.NewMalformedResponseError(criticID, fmt.Sprintf("reply is not valid JSON: %v", err))
	}

	verdict := domain.Verdict(strings.ToUpper(strings.TrimSpace(r.Verdict)))
	if !verdict.Valid() || verdict == domain.VerdictError {
		return critic.Opinion{}, critic.NewMalformedResponseError(criticID, fmt.Sprintf("invalid verdict %q", r.Verdict))
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return critic.Opinion{}, critic.NewMalformedResponseError(criticID, fmt.Sprintf("confidence %v outside [0,1]", r.Confidence))
	}

	return critic.Opinion{
		Verdict:       verdict,
		Confidence:    r.Confidence,
		Justification: strings.TrimSpace(r.Justification),
	}, nil
}

// stripFences removes a surrounding markdown code fence, which some models
// emit despite instructions.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
