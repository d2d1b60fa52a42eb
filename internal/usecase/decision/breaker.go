package decision

import (
	"sync"
	"time"
)

// BreakerSettings configures the per-critic circuit breaker.
type BreakerSettings struct {
	// WindowSize is the number of recent invocations tracked per critic.
	WindowSize int
	// FailureRateThreshold trips the breaker once the rolling failure rate
	// meets or exceeds it, provided the window is full.
	FailureRateThreshold float64
	// ConsecutiveFailures trips the breaker regardless of the rolling rate.
	ConsecutiveFailures int
	// Cooldown is how long a tripped critic stays blacklisted.
	Cooldown time.Duration
}

// DefaultBreakerSettings returns the default circuit breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		WindowSize:           20,
		FailureRateThreshold: 0.5,
		ConsecutiveFailures:  5,
		Cooldown:             60 * time.Second,
	}
}

// BreakerSet tracks one circuit breaker per critic. A critic whose breaker
// is open is short-circuited to an ERROR outcome without invocation, which
// bounds latency when a critic is systematically broken.
type BreakerSet struct {
	mu       sync.Mutex
	settings BreakerSettings
	now      func() time.Time
	breakers map[string]*breakerState
}

type breakerState struct {
	window      []bool // true = failure, ring buffer
	next        int
	filled      bool
	consecutive int
	openUntil   time.Time
}

// NewBreakerSet creates a breaker set with the given settings.
func NewBreakerSet(settings BreakerSettings) *BreakerSet {
	return newBreakerSet(settings, time.Now)
}

func newBreakerSet(settings BreakerSettings, now func() time.Time) *BreakerSet {
	if settings.WindowSize < 1 {
		settings.WindowSize = DefaultBreakerSettings().WindowSize
	}
	return &BreakerSet{
		settings: settings,
		now:      now,
		breakers: make(map[string]*breakerState),
	}
}

// Allow reports whether the critic may be invoked. Once a cooldown expires
// the breaker closes again and the failure history is reset.
func (b *BreakerSet) Allow(criticID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.breakers[criticID]
	if !ok {
		return true
	}
	if state.openUntil.IsZero() {
		return true
	}
	if b.now().Before(state.openUntil) {
		return false
	}

	// Cooldown elapsed: close the breaker and start fresh.
	b.breakers[criticID] = &breakerState{window: make([]bool, b.settings.WindowSize)}
	return true
}

// RecordSuccess records a successful invocation.
func (b *BreakerSet) RecordSuccess(criticID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state(criticID)
	state.record(false)
	state.consecutive = 0
}

// RecordFailure records a failed invocation and trips the breaker when a
// threshold is exceeded.
func (b *BreakerSet) RecordFailure(criticID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state(criticID)
	state.record(true)
	state.consecutive++

	if state.consecutive >= b.settings.ConsecutiveFailures {
		state.openUntil = b.now().Add(b.settings.Cooldown)
		return
	}
	if state.filled && state.failureRate() >= b.settings.FailureRateThreshold {
		state.openUntil = b.now().Add(b.settings.Cooldown)
	}
}

func (b *BreakerSet) state(criticID string) *breakerState {
	state, ok := b.breakers[criticID]
	if !ok {
		state = &breakerState{window: make([]bool, b.settings.WindowSize)}
		b.breakers[criticID] = state
	}
	return state
}

func (s *breakerState) record(failure bool) {
	s.window[s.next] = failure
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
}

func (s *breakerState) failureRate() float64 {
	n := len(s.window)
	if !s.filled {
		n = s.next
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if s.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}
