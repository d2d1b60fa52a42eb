package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
)

// outerDeadlineEpsilon is added to the longest per-critic timeout to form
// the orchestrator's own deadline.
const outerDeadlineEpsilon = 2 * time.Second

// RegisteredCritic binds a critic capability to its deployment-time
// configuration. Registration happens once at process start; no runtime
// loading exists.
type RegisteredCritic struct {
	Critic       critic.Critic
	Weight       float64
	PriorityRank int
	// Timeout overrides the orchestrator-wide per-critic timeout when > 0.
	Timeout time.Duration
}

// OrchestratorConfig holds fan-out and retry settings.
type OrchestratorConfig struct {
	CriticTimeout    time.Duration
	MaxParallelCalls int
	Retry            RetryPolicy
}

// DefaultOrchestratorConfig returns the default fan-out configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CriticTimeout:    30 * time.Second,
		MaxParallelCalls: 5,
		Retry:            DefaultRetryPolicy(),
	}
}

// OrchestratorDeps captures the inbound dependencies for the orchestrator.
type OrchestratorDeps struct {
	Critics  map[string]RegisteredCritic
	Breakers *BreakerSet
	Logger   Logger  // Optional: structured logging for warnings and info
	Metrics  Metrics // Optional: per-critic latency/error counters
}

// Orchestrator fans a case out to every registered critic concurrently and
// always produces exactly one outcome per critic, regardless of failures.
type Orchestrator struct {
	deps OrchestratorDeps
	cfg  OrchestratorConfig
	ids  []string // registration order, sorted for deterministic output
}

// NewOrchestrator wires the orchestrator dependencies.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (*Orchestrator, error) {
	if len(deps.Critics) == 0 {
		return nil, errors.New("at least one critic is required")
	}
	for id, rc := range deps.Critics {
		if rc.Critic == nil {
			return nil, fmt.Errorf("critic %s has no capability", id)
		}
		if rc.Weight < 0 {
			return nil, fmt.Errorf("critic %s: weight must be >= 0", id)
		}
		if rc.PriorityRank < 0 {
			return nil, fmt.Errorf("critic %s: priority rank must be >= 0", id)
		}
	}
	if deps.Breakers == nil {
		deps.Breakers = NewBreakerSet(DefaultBreakerSettings())
	}
	if cfg.CriticTimeout <= 0 {
		cfg.CriticTimeout = DefaultOrchestratorConfig().CriticTimeout
	}
	if cfg.MaxParallelCalls <= 0 {
		cfg.MaxParallelCalls = DefaultOrchestratorConfig().MaxParallelCalls
	}

	ids := make([]string, 0, len(deps.Critics))
	for id := range deps.Critics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Orchestrator{deps: deps, cfg: cfg, ids: ids}, nil
}

// EvaluateAll invokes every registered critic concurrently and returns one
// outcome per critic, in critic-ID order. Individual critic failures never
// surface as errors; they degrade to ERROR outcomes.
func (o *Orchestrator) EvaluateAll(ctx context.Context, c domain.Case) []domain.VerdictOutcome {
	outerCtx, cancel := context.WithTimeout(ctx, o.maxCriticTimeout()+outerDeadlineEpsilon)
	defer cancel()

	sem := semaphore.NewWeighted(int64(o.cfg.MaxParallelCalls))
	results := make([]domain.VerdictOutcome, len(o.ids))

	var wg sync.WaitGroup
	for i, id := range o.ids {
		wg.Add(1)
		go func(i int, id string, rc RegisteredCritic) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = o.errorOutcome(id, rc, 0, fmt.Sprintf("critic panicked: %v", r))
				}
				wg.Done()
			}()
			results[i] = o.evaluateOne(outerCtx, sem, id, rc, c)
		}(i, id, o.deps.Critics[id])
	}
	wg.Wait()

	return results
}

// evaluateOne runs one critic through breaker, retry, and timeout
// discipline, always returning an outcome.
func (o *Orchestrator) evaluateOne(ctx context.Context, sem *semaphore.Weighted, id string, rc RegisteredCritic, c domain.Case) domain.VerdictOutcome {
	if !o.deps.Breakers.Allow(id) {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordShortCircuit(id)
		}
		o.logWarning(ctx, "critic short-circuited by open breaker", map[string]interface{}{
			"criticId": id,
		})
		return o.errorOutcome(id, rc, 0, "circuit breaker open")
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		// Orchestrator deadline hit while queued; the critic was never invoked.
		return o.errorOutcome(id, rc, 0, "orchestrator deadline exceeded")
	}
	defer sem.Release(1)

	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = o.cfg.CriticTimeout
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= o.cfg.Retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = critic.NewTimeoutError(id, "orchestrator deadline exceeded")
			break
		}

		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordInvocation(id)
		}

		opinion, err := o.invoke(ctx, id, rc.Critic, c, timeout)
		if err == nil {
			latency := time.Since(start)
			o.deps.Breakers.RecordSuccess(id)
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordLatency(id, latency)
			}
			return domain.VerdictOutcome{
				CriticID:      id,
				Verdict:       opinion.Verdict,
				Confidence:    opinion.Confidence,
				Justification: opinion.Justification,
				Weight:        rc.Weight,
				PriorityRank:  rc.PriorityRank,
				Latency:       latency,
			}
		}

		lastErr = err
		o.deps.Breakers.RecordFailure(id)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordError(id, classOf(err))
		}

		if !ShouldRetry(err) || attempt >= o.cfg.Retry.MaxRetries {
			break
		}

		backoff := ExponentialBackoff(attempt, o.cfg.Retry)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = critic.NewTimeoutError(id, "orchestrator deadline exceeded")
			attempt = o.cfg.Retry.MaxRetries // stop retrying
		}
	}

	reason := "unknown failure"
	if lastErr != nil {
		reason = failureReason(lastErr)
	}
	o.logWarning(ctx, "critic evaluation failed", map[string]interface{}{
		"criticId": id,
		"reason":   reason,
	})
	return o.errorOutcome(id, rc, time.Since(start), reason)
}

// invoke runs a single attempt under the per-critic deadline. A critic that
// ignores cancellation is abandoned, not awaited: its late result is
// discarded.
func (o *Orchestrator) invoke(ctx context.Context, id string, cr critic.Critic, c domain.Case, timeout time.Duration) (critic.Opinion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		opinion critic.Opinion
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: critic.NewMalformedResponseError(id, fmt.Sprintf("critic panicked: %v", r))}
			}
		}()
		opinion, err := cr.Evaluate(attemptCtx, c)
		ch <- result{opinion: opinion, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return critic.Opinion{}, classify(id, res.err)
		}
		if err := validateOpinion(id, res.opinion); err != nil {
			return critic.Opinion{}, err
		}
		return res.opinion, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return critic.Opinion{}, critic.NewTimeoutError(id, fmt.Sprintf("no answer within %s", timeout))
		}
		return critic.Opinion{}, critic.NewTimeoutError(id, "evaluation canceled")
	}
}

// validateOpinion enforces the structured-result contract at the boundary.
func validateOpinion(id string, op critic.Opinion) error {
	if !op.Verdict.Valid() || op.Verdict == domain.VerdictError {
		return critic.NewMalformedResponseError(id, fmt.Sprintf("invalid verdict %q", op.Verdict))
	}
	if op.Confidence < 0 || op.Confidence > 1 {
		return critic.NewMalformedResponseError(id, fmt.Sprintf("confidence %v outside [0,1]", op.Confidence))
	}
	return nil
}

// classify wraps unclassified errors so downstream retry logic sees a
// permanent failure rather than guessing.
func classify(id string, err error) error {
	var criticErr *critic.Error
	if errors.As(err, &criticErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return critic.NewTimeoutError(id, err.Error())
	}
	return &critic.Error{Type: critic.ErrTypeUnknown, Message: err.Error(), CriticID: id, Retryable: false}
}

func classOf(err error) critic.ErrorType {
	var criticErr *critic.Error
	if errors.As(err, &criticErr) {
		return criticErr.Type
	}
	return critic.ErrTypeUnknown
}

func failureReason(err error) string {
	var criticErr *critic.Error
	if errors.As(err, &criticErr) {
		return criticErr.Type.String()
	}
	return err.Error()
}

func (o *Orchestrator) errorOutcome(id string, rc RegisteredCritic, latency time.Duration, reason string) domain.VerdictOutcome {
	return domain.VerdictOutcome{
		CriticID:      id,
		Verdict:       domain.VerdictError,
		Weight:        rc.Weight,
		PriorityRank:  rc.PriorityRank,
		Latency:       latency,
		FailureReason: reason,
	}
}

func (o *Orchestrator) maxCriticTimeout() time.Duration {
	max := o.cfg.CriticTimeout
	for _, rc := range o.deps.Critics {
		if rc.Timeout > max {
			max = rc.Timeout
		}
	}
	return max
}

func (o *Orchestrator) logWarning(ctx context.Context, message string, fields map[string]interface{}) {
	if o.deps.Logger != nil {
		o.deps.Logger.LogWarning(ctx, message, fields)
	}
}
