package decision

import (
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/critic"
)

// Metrics tracks aggregate statistics for critic invocations. Consumed by
// the out-of-process observability pipeline; the engine only emits.
type Metrics interface {
	// RecordInvocation records a critic invocation attempt.
	RecordInvocation(criticID string)

	// RecordLatency records how long a critic took to answer.
	RecordLatency(criticID string, duration time.Duration)

	// RecordError records a classified critic failure.
	RecordError(criticID string, errType critic.ErrorType)

	// RecordShortCircuit records a call suppressed by an open breaker.
	RecordShortCircuit(criticID string)

	// GetStats returns current statistics.
	GetStats() Stats
}

// Stats contains aggregate statistics.
type Stats struct {
	TotalInvocations   int
	TotalErrors        int
	TotalShortCircuits int
	TotalDuration      time.Duration
	ByCritic           map[string]CriticStats
}

// CriticStats contains per-critic statistics.
type CriticStats struct {
	Invocations   int
	Errors        int
	ShortCircuits int
	Duration      time.Duration
}

// DefaultMetrics provides in-memory metrics tracking.
type DefaultMetrics struct {
	mu    sync.RWMutex
	stats Stats
}

// NewDefaultMetrics creates a metrics tracker.
func NewDefaultMetrics() *DefaultMetrics {
	return &DefaultMetrics{
		stats: Stats{
			ByCritic: make(map[string]CriticStats),
		},
	}
}

// RecordInvocation increments the invocation counter.
func (m *DefaultMetrics) RecordInvocation(criticID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalInvocations++

	cs := m.stats.ByCritic[criticID]
	cs.Invocations++
	m.stats.ByCritic[criticID] = cs
}

// RecordLatency records critic call duration.
func (m *DefaultMetrics) RecordLatency(criticID string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalDuration += duration

	cs := m.stats.ByCritic[criticID]
	cs.Duration += duration
	m.stats.ByCritic[criticID] = cs
}

// RecordError increments error counters.
func (m *DefaultMetrics) RecordError(criticID string, errType critic.ErrorType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalErrors++

	cs := m.stats.ByCritic[criticID]
	cs.Errors++
	m.stats.ByCritic[criticID] = cs
}

// RecordShortCircuit increments breaker short-circuit counters.
func (m *DefaultMetrics) RecordShortCircuit(criticID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalShortCircuits++

	cs := m.stats.ByCritic[criticID]
	cs.ShortCircuits++
	m.stats.ByCritic[criticID] = cs
}

// GetStats returns a copy of the current statistics.
func (m *DefaultMetrics) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copied := m.stats
	copied.ByCritic = make(map[string]CriticStats, len(m.stats.ByCritic))
	for k, v := range m.stats.ByCritic {
		copied.ByCritic[k] = v
	}
	return copied
}
