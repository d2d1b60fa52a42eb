package decision_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/usecase/decision"
)

func testCase() domain.Case {
	return domain.NewCase(domain.CaseInput{Text: "deploy service x", Domain: "deployments"})
}

func outcome(id string, rank int, v domain.Verdict, confidence float64) domain.VerdictOutcome {
	return domain.VerdictOutcome{
		CriticID:     id,
		Verdict:      v,
		Confidence:   confidence,
		Weight:       1,
		PriorityRank: rank,
	}
}

func errorOutcome(id string, rank int, reason string) domain.VerdictOutcome {
	return domain.VerdictOutcome{
		CriticID:      id,
		Verdict:       domain.VerdictError,
		Weight:        1,
		PriorityRank:  rank,
		FailureReason: reason,
	}
}

func newAggregator() *decision.Aggregator {
	return decision.NewAggregator(decision.DefaultAggregationSettings())
}

func TestAggregate_UnanimousAllow(t *testing.T) {
	// Given
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictAllow, 0.8),
		outcome("c", 1, domain.VerdictAllow, 0.7),
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	// Then
	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Zero(t, bundle.DissentIndex)
	assert.Empty(t, bundle.ConflictingPairs)
	assert.Contains(t, bundle.Reason, "all 3 critics agree on ALLOW")
}

func TestAggregate_ConfidentDenyAtTopRankWins(t *testing.T) {
	// A DENY at or above the deny threshold is absolute within its rank,
	// even against an ALLOW majority.
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.8),
		outcome("b", 0, domain.VerdictAllow, 0.8),
		outcome("c", 0, domain.VerdictDeny, 0.95),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.Equal(t, domain.VerdictDeny, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "denied with confidence 0.95")
}

func TestAggregate_LowerRankDenyCannotOverrideHigherRankAllow(t *testing.T) {
	// Given: rank 0 resolves ALLOW, rank 1 has a confident DENY
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictAllow, 0.8),
		outcome("c", 1, domain.VerdictDeny, 0.95),
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	// Then: the higher-priority ALLOW stands; the DENY shows up as dissent
	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Greater(t, bundle.DissentIndex, 0.0)
	assert.Contains(t, bundle.Reason, "cannot override higher-priority ALLOW")
}

func TestAggregate_SubThresholdDenyEscalatesToReview(t *testing.T) {
	// A rank resolving DENY without any critic clearing the deny threshold
	// is conservative REVIEW, never a hard DENY.
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictDeny, 0.7),
		outcome("b", 0, domain.VerdictDeny, 0.6),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "below the deny threshold")
}

func TestAggregate_ReviewAtAnyRankEscalates(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 1, domain.VerdictReview, 0.8),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
}

func TestAggregate_WeightedTieBreaksToReview(t *testing.T) {
	// Given: equal confidence-weighted scores for ALLOW and DENY in one rank
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.8),
		outcome("b", 0, domain.VerdictDeny, 0.8),
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	// Then
	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
}

func TestAggregate_ErrorFractionForcesReview(t *testing.T) {
	// Given: 2 of 3 critics errored, exceeding the 0.5 limit
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.95),
		errorOutcome("b", 0, "timeout"),
		errorOutcome("c", 1, "rate limit exceeded"),
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	// Then
	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "error fraction exceeds limit")
	assert.Contains(t, bundle.Reason, "2 of 3 critics failed")
}

func TestAggregate_AllErrorsForcesReview(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		errorOutcome("a", 0, "timeout"),
		errorOutcome("b", 0, "timeout"),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
	assert.Zero(t, bundle.DissentIndex, "errored outcomes carry no dissent")
}

func TestAggregate_DissentIndexBounds(t *testing.T) {
	// Given: a maximal two-way split
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictDeny, 0.95),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.InDelta(t, 1.0, bundle.DissentIndex, 1e-9, "even two-way split has maximal entropy")
}

func TestAggregate_DissentIndexPartialSplit(t *testing.T) {
	// 2 x ALLOW / 1 x DENY: H(2/3,1/3)/log2(2) ~ 0.918
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictAllow, 0.9),
		outcome("c", 0, domain.VerdictDeny, 0.95),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.InDelta(t, 0.9183, bundle.DissentIndex, 0.001)
}

func TestAggregate_ConflictingPairs(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictDeny, 0.95),
		outcome("c", 0, domain.VerdictAllow, 0.8),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	require.Len(t, bundle.ConflictingPairs, 2)
	assert.Contains(t, bundle.ConflictingPairs, domain.ConflictingPair{CriticA: "a", CriticB: "b"})
	assert.Contains(t, bundle.ConflictingPairs, domain.ConflictingPair{CriticA: "b", CriticB: "c"})
}

func TestAggregate_InheritedPrecedentConflictRaisesDissentOnly(t *testing.T) {
	// Given: unanimous ALLOW but an inherited-tier precedent decided DENY
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictAllow, 0.8),
	}
	precedents := decision.PrecedentContext{
		Matches: []decision.Precedent{
			{ID: "prec-1", Verdict: domain.VerdictDeny, Similarity: 0.85},
		},
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, precedents, time.Now())

	// Then: the fresh verdict stands; the conflict is surfaced, not enforced
	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.InDelta(t, 0.25, bundle.DissentIndex, 1e-9)
	assert.Contains(t, bundle.Reason, "prec-1")
	assert.Contains(t, bundle.Reason, "conflicting with fresh verdict")
	require.Len(t, bundle.PrecedentRefs, 1)
	assert.Equal(t, "prec-1", bundle.PrecedentRefs[0].PrecedentID)
}

func TestAggregate_DissentBoostCapsAtOne(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictDeny, 0.9),
	}
	precedents := decision.PrecedentContext{
		Matches: []decision.Precedent{
			{ID: "prec-1", Verdict: domain.VerdictAllow, Similarity: 0.9},
		},
	}

	// The split already yields dissent 1.0; the conflict boost must not push
	// it past the bound.
	bundle := newAggregator().Aggregate(testCase(), outcomes, precedents, time.Now())

	assert.Equal(t, 1.0, bundle.DissentIndex)
}

func TestAggregate_AdvisoryPrecedentDoesNotBoostDissent(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}
	precedents := decision.PrecedentContext{
		Matches: []decision.Precedent{
			{ID: "prec-1", Verdict: domain.VerdictDeny, Similarity: 0.65},
		},
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, precedents, time.Now())

	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Zero(t, bundle.DissentIndex)
}

func TestAggregate_NovelCaseNote(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{}, time.Now())

	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "unprecedented")
}

func TestAggregate_NovelBandMatchFlagsUnprecedented(t *testing.T) {
	// Given: the best match sits below the advisory band, so it carries no
	// precedent weight
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}
	precedents := decision.PrecedentContext{
		Matches: []decision.Precedent{
			{ID: "prec-1", Verdict: domain.VerdictDeny, Similarity: 0.50},
		},
	}

	// When
	bundle := newAggregator().Aggregate(testCase(), outcomes, precedents, time.Now())

	// Then: same unprecedented handling as no match at all
	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Zero(t, bundle.DissentIndex)
	assert.Contains(t, bundle.Reason, "unprecedented")
	require.Len(t, bundle.PrecedentRefs, 1)
}

func TestAggregate_NovelReviewBiasAppliesToNovelBandMatch(t *testing.T) {
	cfg := decision.DefaultAggregationSettings()
	cfg.NovelReviewBias = true
	agg := decision.NewAggregator(cfg)

	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}
	precedents := decision.PrecedentContext{
		Matches: []decision.Precedent{
			{ID: "prec-1", Verdict: domain.VerdictAllow, Similarity: 0.50},
		},
	}

	bundle := agg.Aggregate(testCase(), outcomes, precedents, time.Now())

	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "escalated to REVIEW")
}

func TestAggregate_NovelReviewBiasEscalates(t *testing.T) {
	// Given: the conservative bias is on and a rank-0 critic participated
	cfg := decision.DefaultAggregationSettings()
	cfg.NovelReviewBias = true
	agg := decision.NewAggregator(cfg)

	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}

	// When: the case has no precedent at all
	bundle := agg.Aggregate(testCase(), outcomes, decision.PrecedentContext{}, time.Now())

	// Then
	assert.Equal(t, domain.VerdictReview, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "escalated to REVIEW")
}

func TestAggregate_StoreUnavailableNoted(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	assert.Equal(t, domain.VerdictAllow, bundle.OverallVerdict)
	assert.Contains(t, bundle.Reason, "precedent store unavailable")
}

func TestAggregate_DeterministicAcrossInputOrder(t *testing.T) {
	// Given: the same outcomes in two different orders
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := outcome("a", 0, domain.VerdictAllow, 0.9)
	b := outcome("b", 0, domain.VerdictDeny, 0.95)
	c := outcome("c", 1, domain.VerdictReview, 0.5)

	agg := newAggregator()

	// When
	bundle1 := agg.Aggregate(testCase(), []domain.VerdictOutcome{a, b, c}, decision.PrecedentContext{Unavailable: true}, at)
	bundle2 := agg.Aggregate(testCase(), []domain.VerdictOutcome{c, b, a}, decision.PrecedentContext{Unavailable: true}, at)

	// Then
	assert.Equal(t, bundle1, bundle2)
}

func TestAggregate_DissentIndexStableAcrossRepeatedRuns(t *testing.T) {
	// Given: an uneven three-way split where summation order matters for
	// floating point
	outcomes := []domain.VerdictOutcome{
		outcome("a", 0, domain.VerdictAllow, 0.9),
		outcome("b", 0, domain.VerdictAllow, 0.9),
		outcome("c", 0, domain.VerdictAllow, 0.9),
		outcome("d", 0, domain.VerdictDeny, 0.95),
		outcome("e", 0, domain.VerdictReview, 0.5),
	}
	agg := newAggregator()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// When/Then: every run yields the exact same index
	first := agg.Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, at)
	for i := 0; i < 20; i++ {
		again := agg.Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, at)
		require.Equal(t, first.DissentIndex, again.DissentIndex)
	}
}

func TestAggregate_OutcomesSortedByCriticID(t *testing.T) {
	outcomes := []domain.VerdictOutcome{
		outcome("zeta", 0, domain.VerdictAllow, 0.9),
		outcome("alpha", 0, domain.VerdictAllow, 0.8),
	}

	bundle := newAggregator().Aggregate(testCase(), outcomes, decision.PrecedentContext{Unavailable: true}, time.Now())

	require.Len(t, bundle.Outcomes, 2)
	assert.Equal(t, "alpha", bundle.Outcomes[0].CriticID)
	assert.Equal(t, "zeta", bundle.Outcomes[1].CriticID)
}
