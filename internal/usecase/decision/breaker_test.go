package decision_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arbiterhq/arbiter/internal/usecase/decision"
)

func testBreakerSettings() decision.BreakerSettings {
	return decision.BreakerSettings{
		WindowSize:           4,
		FailureRateThreshold: 0.5,
		ConsecutiveFailures:  3,
		Cooldown:             time.Minute,
	}
}

func TestBreaker_AllowsUnknownCritic(t *testing.T) {
	b := decision.NewBreakerSet(testBreakerSettings())
	assert.True(t, b.Allow("never-seen"))
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	// Given
	b := decision.NewBreakerSet(testBreakerSettings())

	// When: two failures are below the consecutive limit
	b.RecordFailure("c")
	b.RecordFailure("c")
	assert.True(t, b.Allow("c"))

	// Then: the third trips the breaker
	b.RecordFailure("c")
	assert.False(t, b.Allow("c"))
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := decision.NewBreakerSet(testBreakerSettings())

	b.RecordFailure("c")
	b.RecordFailure("c")
	b.RecordSuccess("c")
	b.RecordFailure("c")
	b.RecordFailure("c")

	assert.True(t, b.Allow("c"), "consecutive count restarted after a success")
}

func TestBreaker_TripsOnRollingFailureRate(t *testing.T) {
	// Given: alternating results keep the consecutive count below its limit
	b := decision.NewBreakerSet(testBreakerSettings())

	// When: the 4-slot window fills at a 50% failure rate
	b.RecordFailure("c")
	b.RecordSuccess("c")
	b.RecordFailure("c")
	b.RecordSuccess("c")
	b.RecordFailure("c")

	// Then: the window is full and the rate threshold is met
	assert.False(t, b.Allow("c"))
}

func TestBreaker_RateNotAppliedUntilWindowFull(t *testing.T) {
	b := decision.NewBreakerSet(testBreakerSettings())

	// 2 failures out of 2 recorded is a 100% rate, but the window has 4 slots
	b.RecordFailure("c")
	b.RecordSuccess("c")
	b.RecordFailure("c")

	assert.True(t, b.Allow("c"))
}

func TestBreaker_CooldownExpiryClosesBreaker(t *testing.T) {
	// Given: a breaker with a very short cooldown
	settings := testBreakerSettings()
	settings.Cooldown = 10 * time.Millisecond
	b := decision.NewBreakerSet(settings)

	b.RecordFailure("c")
	b.RecordFailure("c")
	b.RecordFailure("c")
	assert.False(t, b.Allow("c"))

	// When
	time.Sleep(30 * time.Millisecond)

	// Then: the breaker closes with fresh failure history
	assert.True(t, b.Allow("c"))
	b.RecordFailure("c")
	assert.True(t, b.Allow("c"), "history was reset on close")
}

func TestBreaker_CriticsAreIndependent(t *testing.T) {
	b := decision.NewBreakerSet(testBreakerSettings())

	b.RecordFailure("bad")
	b.RecordFailure("bad")
	b.RecordFailure("bad")

	assert.False(t, b.Allow("bad"))
	assert.True(t, b.Allow("good"))
}
