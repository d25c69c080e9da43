package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/kernel/internal/kernel"
)

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, VolumeThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Admit(ctx, "srv1"))
		b.RecordResult(ctx, "srv1", false)
	}

	assert.Equal(t, Open, b.State("srv1"))
	err := b.Admit(ctx, "srv1")
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrBreakerOpen))
}

func TestHalfOpenSingleFlightsProbe(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1, Timeout: time.Second}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", false)
	assert.Equal(t, Open, b.State("srv1"))

	now = now.Add(2 * time.Second)
	require.NoError(t, b.Admit(ctx, "srv1")) // transitions to half-open, admits probe
	assert.Equal(t, HalfOpen, b.State("srv1"))

	err := b.Admit(ctx, "srv1") // second concurrent caller rejected
	require.Error(t, err)
	assert.True(t, kernel.IsCode(err, kernel.ErrBreakerOpen))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, VolumeThreshold: 1, Timeout: time.Second}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", false)
	now = now.Add(2 * time.Second)

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", true)
	assert.Equal(t, HalfOpen, b.State("srv1"))

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", true)
	assert.Equal(t, Closed, b.State("srv1"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 1, Timeout: time.Second}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", false)
	now = now.Add(2 * time.Second)

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", false)

	assert.Equal(t, Open, b.State("srv1"))
}

func TestBelowVolumeThresholdNeverTrips(t *testing.T) {
	b := New(Config{FailureThreshold: 1, VolumeThreshold: 10, Timeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, b.Admit(ctx, "srv1"))
	b.RecordResult(ctx, "srv1", false)

	assert.Equal(t, Closed, b.State("srv1"))
}

// TestNeverOpensBeforeFailureThresholdConsecutiveFailures is a property test
// of spec.md §8's breaker invariant: the breaker only transitions to OPEN
// once at least FailureThreshold consecutive failures (and at least
// VolumeThreshold total calls) have been recorded from CLOSED.
func TestNeverOpensBeforeFailureThresholdConsecutiveFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("breaker state reflects only consecutive-failure runs at or above threshold", prop.ForAll(
		func(failureThreshold int, outcomes []bool) bool {
			b := New(Config{FailureThreshold: failureThreshold, VolumeThreshold: 1, Timeout: time.Hour})
			ctx := context.Background()

			consec := 0
			for _, success := range outcomes {
				if b.State("srv1") == Open {
					// Once open (and never timing out, since Timeout is an
					// hour), Admit always rejects and no further result is
					// recorded — the consecutive-failure counter is frozen.
					break
				}
				if err := b.Admit(ctx, "srv1"); err != nil {
					break
				}
				b.RecordResult(ctx, "srv1", success)
				if success {
					consec = 0
				} else {
					consec++
				}
				if consec < failureThreshold && b.State("srv1") == Open {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
