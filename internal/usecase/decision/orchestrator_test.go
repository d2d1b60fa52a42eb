package decision_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/critic"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/usecase/decision"
)

// fakeCritic is a scriptable critic for orchestrator tests.
type fakeCritic struct {
	id    string
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (critic.Opinion, error)
}

func (f *fakeCritic) ID() string { return f.id }

func (f *fakeCritic) Evaluate(ctx context.Context, c domain.Case) (critic.Opinion, error) {
	call := int(f.calls.Add(1))
	return f.fn(ctx, call)
}

func allowCritic(id string) *fakeCritic {
	return &fakeCritic{id: id, fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{Verdict: domain.VerdictAllow, Confidence: 0.9, Justification: "looks fine"}, nil
	}}
}

func fastOrchestratorConfig() decision.OrchestratorConfig {
	return decision.OrchestratorConfig{
		CriticTimeout:    200 * time.Millisecond,
		MaxParallelCalls: 4,
		Retry: decision.RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
		},
	}
}

func newOrchestrator(t *testing.T, critics map[string]decision.RegisteredCritic, cfg decision.OrchestratorConfig) *decision.Orchestrator {
	t.Helper()
	o, err := decision.NewOrchestrator(decision.OrchestratorDeps{Critics: critics}, cfg)
	require.NoError(t, err)
	return o
}

func TestNewOrchestrator_RequiresCritics(t *testing.T) {
	_, err := decision.NewOrchestrator(decision.OrchestratorDeps{}, fastOrchestratorConfig())
	assert.Error(t, err)
}

func TestNewOrchestrator_RejectsNegativeWeight(t *testing.T) {
	critics := map[string]decision.RegisteredCritic{
		"a": {Critic: allowCritic("a"), Weight: -1},
	}
	_, err := decision.NewOrchestrator(decision.OrchestratorDeps{Critics: critics}, fastOrchestratorConfig())
	assert.ErrorContains(t, err, "weight")
}

func TestEvaluateAll_OneOutcomePerCritic(t *testing.T) {
	// Given
	critics := map[string]decision.RegisteredCritic{
		"zeta":  {Critic: allowCritic("zeta"), Weight: 1, PriorityRank: 1},
		"alpha": {Critic: allowCritic("alpha"), Weight: 2, PriorityRank: 0},
	}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then: one outcome per critic, in critic-ID order, with config attached
	require.Len(t, outcomes, 2)
	assert.Equal(t, "alpha", outcomes[0].CriticID)
	assert.Equal(t, 2.0, outcomes[0].Weight)
	assert.Equal(t, 0, outcomes[0].PriorityRank)
	assert.Equal(t, "zeta", outcomes[1].CriticID)
	assert.Equal(t, domain.VerdictAllow, outcomes[0].Verdict)
	assert.Equal(t, domain.VerdictAllow, outcomes[1].Verdict)
}

func TestEvaluateAll_TimeoutYieldsErrorOutcome(t *testing.T) {
	// Given: a critic that never answers within its deadline
	stuck := &fakeCritic{id: "stuck", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		<-ctx.Done()
		return critic.Opinion{}, ctx.Err()
	}}
	critics := map[string]decision.RegisteredCritic{
		"stuck": {Critic: stuck, Weight: 1},
		"ok":    {Critic: allowCritic("ok"), Weight: 1},
	}
	cfg := fastOrchestratorConfig()
	cfg.CriticTimeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	o := newOrchestrator(t, critics, cfg)

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then: the stuck critic degrades to ERROR, the healthy one is untouched
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.VerdictAllow, outcomes[0].Verdict)
	assert.Equal(t, domain.VerdictError, outcomes[1].Verdict)
	assert.Equal(t, "timeout", outcomes[1].FailureReason)
}

func TestEvaluateAll_RetriesTransientThenSucceeds(t *testing.T) {
	// Given: a critic that fails with a retryable error twice, then answers
	flaky := &fakeCritic{id: "flaky", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		if call < 3 {
			return critic.Opinion{}, critic.NewRateLimitError("flaky", "slow down")
		}
		return critic.Opinion{Verdict: domain.VerdictDeny, Confidence: 0.95, Justification: "bad"}, nil
	}}
	critics := map[string]decision.RegisteredCritic{"flaky": {Critic: flaky, Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.VerdictDeny, outcomes[0].Verdict)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestEvaluateAll_DoesNotRetryPermanentErrors(t *testing.T) {
	// Given: an authentication failure, which retrying cannot fix
	broken := &fakeCritic{id: "broken", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{}, critic.NewAuthenticationError("broken", "bad key")
	}}
	critics := map[string]decision.RegisteredCritic{"broken": {Critic: broken, Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.VerdictError, outcomes[0].Verdict)
	assert.Equal(t, "authentication error", outcomes[0].FailureReason)
	assert.Equal(t, int32(1), broken.calls.Load())
}

func TestEvaluateAll_RetriesExhaustedYieldsErrorOutcome(t *testing.T) {
	always := &fakeCritic{id: "down", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{}, critic.NewUnavailableError("down", "503")
	}}
	critics := map[string]decision.RegisteredCritic{"down": {Critic: always, Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	outcomes := o.EvaluateAll(context.Background(), testCase())

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.VerdictError, outcomes[0].Verdict)
	assert.Equal(t, "service unavailable", outcomes[0].FailureReason)
	// 1 initial attempt + 2 retries
	assert.Equal(t, int32(3), always.calls.Load())
}

func TestEvaluateAll_InvalidOpinionIsMalformed(t *testing.T) {
	// Given: a critic returning confidence outside [0,1]
	weird := &fakeCritic{id: "weird", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{Verdict: domain.VerdictAllow, Confidence: 1.5}, nil
	}}
	critics := map[string]decision.RegisteredCritic{"weird": {Critic: weird, Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then: malformed is permanent, so exactly one attempt
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.VerdictError, outcomes[0].Verdict)
	assert.Equal(t, "malformed response", outcomes[0].FailureReason)
	assert.Equal(t, int32(1), weird.calls.Load())
}

func TestEvaluateAll_ErrorVerdictFromCriticIsMalformed(t *testing.T) {
	// A critic may not claim ERROR itself; that verdict is reserved for the
	// orchestrator.
	weird := &fakeCritic{id: "weird", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{Verdict: domain.VerdictError, Confidence: 0.5}, nil
	}}
	critics := map[string]decision.RegisteredCritic{"weird": {Critic: weird, Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	outcomes := o.EvaluateAll(context.Background(), testCase())

	require.Len(t, outcomes, 1)
	assert.Equal(t, "malformed response", outcomes[0].FailureReason)
}

func TestEvaluateAll_PanicRecovered(t *testing.T) {
	// Given
	panicky := &fakeCritic{id: "panicky", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		panic("boom")
	}}
	critics := map[string]decision.RegisteredCritic{
		"panicky": {Critic: panicky, Weight: 1},
		"ok":      {Critic: allowCritic("ok"), Weight: 1},
	}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then: the panic becomes an ERROR outcome and other critics still answer
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.VerdictAllow, outcomes[0].Verdict)
	assert.Equal(t, domain.VerdictError, outcomes[1].Verdict)
	assert.Equal(t, "malformed response", outcomes[1].FailureReason)
}

func TestEvaluateAll_BreakerShortCircuits(t *testing.T) {
	// Given: a breaker already tripped for the critic
	breakers := decision.NewBreakerSet(decision.BreakerSettings{
		WindowSize:           5,
		FailureRateThreshold: 0.5,
		ConsecutiveFailures:  2,
		Cooldown:             time.Minute,
	})
	breakers.RecordFailure("down")
	breakers.RecordFailure("down")

	down := &fakeCritic{id: "down", fn: func(ctx context.Context, call int) (critic.Opinion, error) {
		return critic.Opinion{Verdict: domain.VerdictAllow, Confidence: 0.9}, nil
	}}
	o, err := decision.NewOrchestrator(decision.OrchestratorDeps{
		Critics:  map[string]decision.RegisteredCritic{"down": {Critic: down, Weight: 1}},
		Breakers: breakers,
	}, fastOrchestratorConfig())
	require.NoError(t, err)

	// When
	outcomes := o.EvaluateAll(context.Background(), testCase())

	// Then: the critic is never invoked
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.VerdictError, outcomes[0].Verdict)
	assert.Equal(t, "circuit breaker open", outcomes[0].FailureReason)
	assert.Equal(t, int32(0), down.calls.Load())
}

func TestEvaluateAll_LatencyRecorded(t *testing.T) {
	critics := map[string]decision.RegisteredCritic{"ok": {Critic: allowCritic("ok"), Weight: 1}}
	o := newOrchestrator(t, critics, fastOrchestratorConfig())

	outcomes := o.EvaluateAll(context.Background(), testCase())

	require.Len(t, outcomes, 1)
	assert.GreaterOrEqual(t, outcomes[0].Latency, time.Duration(0))
}
