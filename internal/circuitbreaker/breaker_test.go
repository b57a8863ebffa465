package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, clock *time.Time) *Breaker {
	b := New("eval", Config{FailureThreshold: 3, SuccessThreshold: 2, CoolOff: 10 * time.Second}, zaptest.NewLogger(t))
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, func() error { return errBoom }), errBoom)
	}
	require.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Execute(ctx, func() error { return nil }), ErrOpen)
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	clock = clock.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	clock = clock.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, func() error { return errBoom })
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresContextErrors(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func() error { return context.DeadlineExceeded })
	}
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errBoom })
	_ = b.Execute(ctx, func() error { return errBoom })
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	_ = b.Execute(ctx, func() error { return errBoom })
	_ = b.Execute(ctx, func() error { return errBoom })
	require.Equal(t, StateClosed, b.State())
}
