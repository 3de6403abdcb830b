package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func failCall(ctx context.Context) (int, error) {
	return 0, eris.New("provider down")
}

func okCall(ctx context.Context) (int, error) {
	return 1, nil
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := testBreaker(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ExecuteVal(ctx, cb, failCall)
		require.Error(t, err)
		assert.Equal(t, CircuitClosed, cb.State())
	}

	_, err := ExecuteVal(ctx, cb, failCall)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	// Rejected without invoking the call.
	called := false
	_, err = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb, _ := testBreaker(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(ctx, cb, failCall)
	}
	_, err := ExecuteVal(ctx, cb, okCall)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(ctx, cb, failCall)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenProbeCloses(t *testing.T) {
	t.Parallel()

	cb, now := testBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	val, err := ExecuteVal(ctx, cb, okCall)
	require.NoError(t, err)
	assert.Equal(t, 1, val)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cb, now := testBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failCall)
	*now = now.Add(31 * time.Second)

	_, err := ExecuteVal(ctx, cb, failCall)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err = ExecuteVal(ctx, cb, okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitReset(t *testing.T) {
	t.Parallel()

	cb, _ := testBreaker(1, time.Hour)
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())

	_, err := ExecuteVal(ctx, cb, okCall)
	require.NoError(t, err)
}

func TestCircuitStateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, failCall)
	now = now.Add(11 * time.Second)
	_, _ = ExecuteVal(ctx, cb, okCall)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitShouldTripOverride(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	// Permanent errors do not trip the breaker.
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) {
		return 0, eris.New("invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())

	_, err = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) {
		return 0, NewTransientError(eris.New("overloaded"), 529)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
