package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Verdict is the position a critic (or the engine) takes on a case.
type Verdict string

const (
	VerdictAllow  Verdict = "ALLOW"
	VerdictDeny   Verdict = "DENY"
	VerdictReview Verdict = "REVIEW"
	VerdictError  Verdict = "ERROR"
)

// Valid reports whether v is one of the known verdict values.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictDeny, VerdictReview, VerdictError:
		return true
	}
	return false
}

// Case is a proposed action under evaluation. Cases are immutable after
// construction; the fingerprint is computed once from normalized content.
type Case struct {
	Text        string            `json:"text"`
	Domain      string            `json:"domain"`
	Context     map[string]string `json:"context,omitempty"`
	Fingerprint string            `json:"fingerprint"`
}

// CaseInput captures the information required to create a Case.
type CaseInput struct {
	Text    string
	Domain  string
	Context map[string]string
}

// NewCase constructs a Case with a deterministic fingerprint.
func NewCase(input CaseInput) Case {
	ctx := make(map[string]string, len(input.Context))
	for k, v := range input.Context {
		ctx[k] = v
	}
	return Case{
		Text:        input.Text,
		Domain:      input.Domain,
		Context:     ctx,
		Fingerprint: fingerprintCase(input),
	}
}

// fingerprintCase hashes normalized case content. Context keys are sorted so
// the fingerprint is independent of map iteration order.
func fingerprintCase(input CaseInput) string {
	keys := make([]string, 0, len(input.Context))
	for k := range input.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.TrimSpace(strings.ToLower(input.Text)))
	b.WriteString("|")
	b.WriteString(strings.TrimSpace(strings.ToLower(input.Domain)))
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("|%s=%s", k, input.Context[k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerdictOutcome is the result of one critic for one case. Confidence is
// meaningless when Verdict is ERROR.
type VerdictOutcome struct {
	CriticID      string        `json:"criticId"`
	Verdict       Verdict       `json:"verdict"`
	Confidence    float64       `json:"confidence"`
	Justification string        `json:"justification"`
	Weight        float64       `json:"weight"`
	PriorityRank  int           `json:"priorityRank"`
	Latency       time.Duration `json:"latency"`
	FailureReason string        `json:"failureReason,omitempty"`
}

// Failed reports whether the outcome carries no usable opinion.
func (o VerdictOutcome) Failed() bool {
	return o.Verdict == VerdictError
}

// ConflictingPair records two critics whose verdicts differ on the same case.
type ConflictingPair struct {
	CriticA string `json:"criticA"`
	CriticB string `json:"criticB"`
}

// PrecedentRef links a decision to a precedent that informed it.
type PrecedentRef struct {
	PrecedentID string  `json:"precedentId"`
	Similarity  float64 `json:"similarity"`
}

// DecisionBundle is the final, auditable output for a case. Created exactly
// once per aggregation and immutable thereafter.
type DecisionBundle struct {
	CaseFingerprint  string            `json:"caseFingerprint"`
	OverallVerdict   Verdict           `json:"overallVerdict"`
	DissentIndex     float64           `json:"dissentIndex"`
	ConflictingPairs []ConflictingPair `json:"conflictingPairs,omitempty"`
	Reason           string            `json:"reason"`
	PrecedentRefs    []PrecedentRef    `json:"precedentRefs,omitempty"`
	Outcomes         []VerdictOutcome  `json:"outcomes"`
	HumanOverride    bool              `json:"humanOverride,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// MigrationStatus marks whether a precedent record carries an embedding.
type MigrationStatus string

const (
	// MigrationNative means the record was stored with an embedding and is
	// eligible for similarity search.
	MigrationNative MigrationStatus = "NATIVE"
	// MigrationPartial means the record has no embedding and only matches by
	// exact fingerprint.
	MigrationPartial MigrationStatus = "PARTIAL"
)

// SimilarityTier classifies how binding a precedent match is.
type SimilarityTier string

const (
	TierInherited SimilarityTier = "inherited"
	TierAdvisory  SimilarityTier = "advisory"
	TierNovel     SimilarityTier = "novel"
)

// TierFor maps a similarity score onto its interpretation tier using the
// configured thresholds.
func TierFor(similarity, inheritedThreshold, advisoryThreshold float64) SimilarityTier {
	switch {
	case similarity >= inheritedThreshold:
		return TierInherited
	case similarity >= advisoryThreshold:
		return TierAdvisory
	default:
		return TierNovel
	}
}
