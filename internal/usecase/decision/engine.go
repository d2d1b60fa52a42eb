package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/determinism"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Embedder produces a fixed-length vector for a case, used for approximate
// precedent lookup. Optional: without one, records are stored PARTIAL and
// only match by exact fingerprint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EngineDeps captures the inbound dependencies for the decision engine.
type EngineDeps struct {
	Orchestrator *Orchestrator
	Aggregator   *Aggregator
	Store        store.PrecedentStore // Optional: precedent persistence and lookup
	Embedder     Embedder             // Optional: case embeddings for similarity search
	Logger       Logger               // Optional: structured logging for warnings and info
	Now          func() time.Time     // Optional: clock override for tests
}

// Engine is the decision facade: it composes orchestration, precedent
// lookup, aggregation, and precedent write-back behind a single Decide call.
type Engine struct {
	deps EngineDeps
	cfg  AggregationSettings
}

// NewEngine wires the engine dependencies.
func NewEngine(deps EngineDeps, cfg AggregationSettings) (*Engine, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if deps.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{deps: deps, cfg: cfg}, nil
}

// Decide evaluates a case end to end and always returns a bundle: every
// collaborator failure degrades to an explicit verdict rather than an error.
// The only error paths are caller cancellation before work starts.
func (e *Engine) Decide(ctx context.Context, c domain.Case) (domain.DecisionBundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.DecisionBundle{}, err
	}

	outcomes := e.deps.Orchestrator.EvaluateAll(ctx, c)

	embedding := e.embedCase(ctx, c)
	pctx := e.lookupPrecedents(ctx, c, embedding)

	bundle := e.deps.Aggregator.Aggregate(c, outcomes, pctx, e.deps.Now().UTC())

	e.maybeStore(ctx, c, bundle, embedding, pctx)

	return bundle, nil
}

// ApplyOverride records a human decision on top of an existing bundle. The
// override becomes the overall verdict, the bundle is marked, and the result
// is always stored as a new precedent. The original bundle is untouched.
func (e *Engine) ApplyOverride(ctx context.Context, c domain.Case, bundle domain.DecisionBundle, verdict domain.Verdict, rationale string) (domain.DecisionBundle, error) {
	if !verdict.Valid() || verdict == domain.VerdictError {
		return domain.DecisionBundle{}, fmt.Errorf("invalid override verdict %q", verdict)
	}
	if rationale == "" {
		return domain.DecisionBundle{}, errors.New("override rationale is required")
	}

	overridden := bundle
	overridden.OverallVerdict = verdict
	overridden.HumanOverride = true
	overridden.Reason = fmt.Sprintf("%s; human override to %s: %s", bundle.Reason, verdict, rationale)
	overridden.CreatedAt = e.deps.Now().UTC()

	if e.deps.Store == nil {
		return overridden, nil
	}

	embedding := e.embedCase(ctx, c)
	status := domain.MigrationNative
	if len(embedding) == 0 {
		status = domain.MigrationPartial
	}

	rec := store.Record{
		ID:              uuid.NewString(),
		CaseFingerprint: overridden.CaseFingerprint,
		Embedding:       embedding,
		OverallVerdict:  overridden.OverallVerdict,
		DissentIndex:    overridden.DissentIndex,
		Reason:          overridden.Reason,
		MigrationStatus: status,
		CreatedAt:       overridden.CreatedAt,
	}
	if err := e.deps.Store.Insert(ctx, rec); err != nil {
		return domain.DecisionBundle{}, fmt.Errorf("failed to store override precedent: %w", err)
	}

	return overridden, nil
}

// embedCase computes the case embedding under the precedent timeout. A slow
// or failing embedder degrades to exact-match-only lookup.
func (e *Engine) embedCase(ctx context.Context, c domain.Case) []float32 {
	if e.deps.Embedder == nil {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.precedentTimeout())
	defer cancel()

	embedding, err := e.deps.Embedder.Embed(embedCtx, c.Text)
	if err != nil {
		e.logWarning(ctx, "case embedding failed", map[string]interface{}{
			"caseFingerprint": c.Fingerprint,
			"error":           err.Error(),
		})
		return nil
	}
	return embedding
}

// lookupPrecedents queries the store under a short deadline. A slow or
// unavailable store degrades to "no precedent found" and never blocks the
// verdict.
func (e *Engine) lookupPrecedents(ctx context.Context, c domain.Case, embedding []float32) PrecedentContext {
	if e.deps.Store == nil {
		return PrecedentContext{}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.precedentTimeout())
	defer cancel()

	topK := e.cfg.PrecedentTopK
	if topK <= 0 {
		topK = DefaultAggregationSettings().PrecedentTopK
	}

	matches, err := e.deps.Store.FindSimilar(lookupCtx, c, embedding, topK)
	if err != nil {
		e.logWarning(ctx, "precedent lookup failed", map[string]interface{}{
			"caseFingerprint": c.Fingerprint,
			"error":           err.Error(),
		})
		return PrecedentContext{Unavailable: true}
	}

	pctx := PrecedentContext{}
	for _, m := range matches {
		if m.Similarity < e.cfg.SimilarityFloor {
			continue
		}
		pctx.Matches = append(pctx.Matches, Precedent{
			ID:         m.Record.ID,
			Verdict:    m.Record.OverallVerdict,
			Similarity: m.Similarity,
		})
	}
	return pctx
}

// maybeStore writes the bundle back as a precedent when it qualifies:
// always on human override, high dissent, or lack of a binding precedent;
// otherwise at a low deterministic sampling rate to keep the corpus diverse
// without unbounded growth.
func (e *Engine) maybeStore(ctx context.Context, c domain.Case, bundle domain.DecisionBundle, embedding []float32, pctx PrecedentContext) {
	if e.deps.Store == nil || pctx.Unavailable {
		return
	}

	if !e.qualifies(bundle, pctx) {
		return
	}

	status := domain.MigrationNative
	if len(embedding) == 0 {
		status = domain.MigrationPartial
	}

	rec := store.Record{
		ID:              uuid.NewString(),
		CaseFingerprint: bundle.CaseFingerprint,
		Embedding:       embedding,
		OverallVerdict:  bundle.OverallVerdict,
		DissentIndex:    bundle.DissentIndex,
		Reason:          bundle.Reason,
		MigrationStatus: status,
		CreatedAt:       bundle.CreatedAt,
	}

	if err := e.deps.Store.Insert(ctx, rec); err != nil {
		e.logWarning(ctx, "failed to store precedent", map[string]interface{}{
			"caseFingerprint": bundle.CaseFingerprint,
			"error":           err.Error(),
		})
		return
	}

	e.logInfo(ctx, "stored precedent", map[string]interface{}{
		"precedentId":     rec.ID,
		"caseFingerprint": rec.CaseFingerprint,
		"migrationStatus": string(status),
	})
}

func (e *Engine) qualifies(bundle domain.DecisionBundle, pctx PrecedentContext) bool {
	if bundle.HumanOverride {
		return true
	}
	if bundle.DissentIndex > e.cfg.NoveltyThreshold {
		return true
	}
	if top, ok := topMatch(pctx.Matches); !ok || top.Similarity < e.cfg.InheritedThreshold {
		return true
	}

	// Well-precedented, low-dissent decisions are sampled deterministically.
	seed := determinism.GenerateSeed(bundle.CaseFingerprint, "precedent-sample")
	return determinism.UnitInterval(seed) < e.cfg.StoreSampleRate
}

func (e *Engine) precedentTimeout() time.Duration {
	if e.cfg.PrecedentTimeout > 0 {
		return e.cfg.PrecedentTimeout
	}
	return DefaultAggregationSettings().PrecedentTimeout
}

func (e *Engine) logWarning(ctx context.Context, message string, fields map[string]interface{}) {
	if e.deps.Logger != nil {
		e.deps.Logger.LogWarning(ctx, message, fields)
	}
}

func (e *Engine) logInfo(ctx context.Context, message string, fields map[string]interface{}) {
	if e.deps.Logger != nil {
		e.deps.Logger.LogInfo(ctx, message, fields)
	}
}
