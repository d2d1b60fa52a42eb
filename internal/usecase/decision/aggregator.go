package decision

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/domain"
)

// AggregationSettings holds the lexicographic-merge and precedent thresholds.
type AggregationSettings struct {
	DenyThreshold         float64
	MaxErrorFraction      float64
	InheritedThreshold    float64
	AdvisoryThreshold     float64
	NoveltyThreshold      float64
	SimilarityFloor       float64
	PrecedentDissentBoost float64
	StoreSampleRate       float64
	PrecedentTopK         int
	PrecedentTimeout      time.Duration
	NovelReviewBias       bool
}

// DefaultAggregationSettings returns the default aggregation configuration.
func DefaultAggregationSettings() AggregationSettings {
	return AggregationSettings{
		DenyThreshold:         0.9,
		MaxErrorFraction:      0.5,
		InheritedThreshold:    0.80,
		AdvisoryThreshold:     0.60,
		NoveltyThreshold:      0.30,
		SimilarityFloor:       0.40,
		PrecedentDissentBoost: 0.25,
		StoreSampleRate:       0.05,
		PrecedentTopK:         5,
		PrecedentTimeout:      2 * time.Second,
	}
}

// Precedent is a prior decision surfaced for consistency checking.
type Precedent struct {
	ID         string
	Verdict    domain.Verdict
	Similarity float64
}

// PrecedentContext carries what the store returned for the case being
// decided. Unavailable means the lookup failed and the decision proceeds
// without precedent context.
type PrecedentContext struct {
	Matches     []Precedent
	Unavailable bool
}

// Aggregator merges critic outcomes into a single decision. It is a pure
// function of its inputs: no I/O, no hidden state, no internal parallelism.
type Aggregator struct {
	cfg AggregationSettings
}

// NewAggregator creates an aggregator with the given settings.
func NewAggregator(cfg AggregationSettings) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate applies the lexicographic priority merge and precedent
// cross-check, producing the final bundle. The same inputs always produce
// the same bundle.
func (a *Aggregator) Aggregate(c domain.Case, outcomes []domain.VerdictOutcome, precedents PrecedentContext, at time.Time) domain.DecisionBundle {
	// Work on a sorted copy so the result is independent of input order.
	sorted := make([]domain.VerdictOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CriticID < sorted[j].CriticID })

	var usable []domain.VerdictOutcome
	for _, o := range sorted {
		if !o.Failed() {
			usable = append(usable, o)
		}
	}
	errored := len(sorted) - len(usable)

	verdict, verdictNote := a.mergeVerdicts(usable)

	var notes []string
	if errored > 0 {
		notes = append(notes, fmt.Sprintf("%d of %d critics failed; decision based on %d available opinions",
			errored, len(sorted), len(usable)))
	}

	// Too many errors means the surviving votes are not evidence enough.
	forcedReview := false
	if len(sorted) > 0 && float64(errored)/float64(len(sorted)) > a.cfg.MaxErrorFraction {
		verdict = domain.VerdictReview
		forcedReview = true
		notes = append(notes, "error fraction exceeds limit; verdict forced to REVIEW (insufficient evidence)")
	}
	if len(usable) == 0 && !forcedReview {
		verdict = domain.VerdictReview
		notes = append(notes, "no usable opinions; verdict forced to REVIEW")
	}

	dissent := dissentIndex(usable)
	pairs := conflictingPairs(usable)

	// Precedent cross-check: an inherited-tier disagreement never overrides
	// the fresh verdict, it only escalates it for human attention.
	refs := make([]domain.PrecedentRef, 0, len(precedents.Matches))
	for _, m := range precedents.Matches {
		refs = append(refs, domain.PrecedentRef{PrecedentID: m.ID, Similarity: m.Similarity})
	}
	top, matched := topMatch(precedents.Matches)
	tier := domain.TierNovel
	if matched {
		tier = domain.TierFor(top.Similarity, a.cfg.InheritedThreshold, a.cfg.AdvisoryThreshold)
	}
	switch {
	case tier == domain.TierInherited && top.Verdict != verdict:
		dissent = math.Min(1.0, dissent+a.cfg.PrecedentDissentBoost)
		notes = append(notes, fmt.Sprintf("precedent %s (similarity %.2f) decided %s, conflicting with fresh verdict %s",
			top.ID, top.Similarity, top.Verdict, verdict))
	case tier == domain.TierNovel && !precedents.Unavailable:
		// A match below the advisory band carries no precedent weight; the
		// case is as unprecedented as one with no match at all.
		if matched {
			notes = append(notes, fmt.Sprintf("closest precedent %s at similarity %.2f is below the advisory band; case is unprecedented",
				top.ID, top.Similarity))
		} else {
			notes = append(notes, "no precedent found; case is unprecedented")
		}
		if a.cfg.NovelReviewBias && verdict == domain.VerdictAllow && hasRankZero(usable) {
			verdict = domain.VerdictReview
			notes = append(notes, "unprecedented case escalated to REVIEW for high-priority domain")
		}
	}
	if precedents.Unavailable {
		notes = append(notes, "precedent store unavailable; decision made without precedent context")
	}

	reason := a.synthesizeReason(usable, verdict, verdictNote, notes)

	return domain.DecisionBundle{
		CaseFingerprint:  c.Fingerprint,
		OverallVerdict:   verdict,
		DissentIndex:     dissent,
		ConflictingPairs: pairs,
		Reason:           reason,
		PrecedentRefs:    refs,
		Outcomes:         sorted,
		CreatedAt:        at,
	}
}

// mergeVerdicts runs the lexicographic priority merge over the non-ERROR
// outcomes and returns the merged verdict plus a short note describing the
// deciding step.
func (a *Aggregator) mergeVerdicts(usable []domain.VerdictOutcome) (domain.Verdict, string) {
	if len(usable) == 0 {
		return domain.VerdictReview, "no usable opinions"
	}

	byRank := make(map[int][]domain.VerdictOutcome)
	var ranks []int
	for _, o := range usable {
		if _, ok := byRank[o.PriorityRank]; !ok {
			ranks = append(ranks, o.PriorityRank)
		}
		byRank[o.PriorityRank] = append(byRank[o.PriorityRank], o)
	}
	sort.Ints(ranks)

	// Ranks are processed highest priority first. A confident DENY is
	// absolute only while no higher-priority rank has resolved ALLOW: once a
	// higher concern explicitly allowed the action, a lower-priority DENY
	// cannot trade that away (it still shows up in the dissent index).
	denyVeto := true
	note := "all ranks resolved to ALLOW"
	for _, rank := range ranks {
		if denyVeto {
			for _, o := range byRank[rank] {
				if o.Verdict == domain.VerdictDeny && o.Confidence >= a.cfg.DenyThreshold {
					return domain.VerdictDeny, fmt.Sprintf("rank-%d critic %s denied with confidence %.2f", rank, o.CriticID, o.Confidence)
				}
			}
		}

		switch rankVerdict(byRank[rank]) {
		case domain.VerdictAllow:
			denyVeto = false
		case domain.VerdictDeny:
			if denyVeto {
				// Sub-threshold DENY is conservative REVIEW, never an override.
				return domain.VerdictReview, fmt.Sprintf("rank %d resolved DENY below the deny threshold", rank)
			}
			// Lower-priority DENY after a higher-priority ALLOW: no effect.
			note = fmt.Sprintf("rank-%d DENY cannot override higher-priority ALLOW", rank)
		default:
			// REVIEW escalates regardless of rank; escalation trades nothing away.
			return domain.VerdictReview, fmt.Sprintf("rank %d resolved to REVIEW", rank)
		}
	}

	return domain.VerdictAllow, note
}

// rankVerdict combines one rank's outcomes by confidence-weighted vote.
func rankVerdict(outcomes []domain.VerdictOutcome) domain.Verdict {
	scores := map[domain.Verdict]float64{}
	for _, o := range outcomes {
		weight := o.Weight
		if weight == 0 {
			weight = 1
		}
		scores[o.Verdict] += weight * o.Confidence
	}

	best := domain.VerdictReview
	bestScore := math.Inf(-1)
	tied := false
	for _, v := range []domain.Verdict{domain.VerdictAllow, domain.VerdictDeny, domain.VerdictReview} {
		score, ok := scores[v]
		if !ok {
			continue
		}
		if score > bestScore {
			best = v
			bestScore = score
			tied = false
		} else if score == bestScore {
			tied = true
		}
	}
	if tied {
		return domain.VerdictReview
	}
	return best
}

// dissentIndex is the normalized Shannon entropy of the verdict distribution
// among non-ERROR outcomes. One distinct verdict (or none) means zero
// dissent by definition.
func dissentIndex(usable []domain.VerdictOutcome) float64 {
	if len(usable) == 0 {
		return 0
	}
	counts := map[domain.Verdict]int{}
	for _, o := range usable {
		counts[o.Verdict]++
	}
	k := len(counts)
	if k <= 1 {
		return 0
	}
	n := float64(len(usable))
	var h float64
	// Fixed summation order keeps the index bit-identical across runs.
	for _, v := range []domain.Verdict{domain.VerdictAllow, domain.VerdictDeny, domain.VerdictReview} {
		c, ok := counts[v]
		if !ok {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(k))
}

// conflictingPairs lists every unordered pair of critics whose verdicts
// differ. Outcomes must already be sorted by critic ID.
func conflictingPairs(usable []domain.VerdictOutcome) []domain.ConflictingPair {
	var pairs []domain.ConflictingPair
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			if usable[i].Verdict != usable[j].Verdict {
				pairs = append(pairs, domain.ConflictingPair{
					CriticA: usable[i].CriticID,
					CriticB: usable[j].CriticID,
				})
			}
		}
	}
	return pairs
}

func topMatch(matches []Precedent) (Precedent, bool) {
	if len(matches) == 0 {
		return Precedent{}, false
	}
	top := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity > top.Similarity {
			top = m
		}
	}
	return top, true
}

func hasRankZero(outcomes []domain.VerdictOutcome) bool {
	for _, o := range outcomes {
		if o.PriorityRank == 0 {
			return true
		}
	}
	return false
}

// synthesizeReason builds the human-readable justification: agreement or
// split statement, the deciding step, the highest-priority justification
// text, then any degradation or precedent notes.
func (a *Aggregator) synthesizeReason(usable []domain.VerdictOutcome, verdict domain.Verdict, verdictNote string, notes []string) string {
	var parts []string

	switch {
	case len(usable) == 0:
		// Notes already explain the degraded state.
	case unanimous(usable):
		parts = append(parts, fmt.Sprintf("all %d critics agree on %s", len(usable), usable[0].Verdict))
	default:
		parts = append(parts, splitStatement(usable))
	}

	if verdictNote != "" {
		parts = append(parts, verdictNote)
	}

	if j := leadJustification(usable); j != "" {
		parts = append(parts, j)
	}

	parts = append(parts, notes...)
	if len(parts) == 0 {
		return string(verdict)
	}
	return strings.Join(parts, "; ")
}

func unanimous(usable []domain.VerdictOutcome) bool {
	for _, o := range usable[1:] {
		if o.Verdict != usable[0].Verdict {
			return false
		}
	}
	return true
}

// splitStatement describes the majority/minority division of opinions.
func splitStatement(usable []domain.VerdictOutcome) string {
	counts := map[domain.Verdict]int{}
	for _, o := range usable {
		counts[o.Verdict]++
	}
	type vc struct {
		v domain.Verdict
		c int
	}
	var split []vc
	for v, c := range counts {
		split = append(split, vc{v, c})
	}
	sort.Slice(split, func(i, j int) bool {
		if split[i].c != split[j].c {
			return split[i].c > split[j].c
		}
		return split[i].v < split[j].v
	})
	var segs []string
	for _, s := range split {
		segs = append(segs, fmt.Sprintf("%d x %s", s.c, s.v))
	}
	return "critics split " + strings.Join(segs, " / ")
}

// leadJustification picks the justification of the most confident outcome
// at the highest priority rank.
func leadJustification(usable []domain.VerdictOutcome) string {
	var lead *domain.VerdictOutcome
	for i := range usable {
		o := &usable[i]
		if o.Justification == "" {
			continue
		}
		if lead == nil ||
			o.PriorityRank < lead.PriorityRank ||
			(o.PriorityRank == lead.PriorityRank && o.Confidence > lead.Confidence) {
			lead = o
		}
	}
	if lead == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", lead.CriticID, lead.Justification)
}
