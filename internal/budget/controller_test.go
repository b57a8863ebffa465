package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireReleaseWorkerSlots(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTotalWorkers = 3
	c := NewController(limits, zap.NewNop())

	require.NoError(t, c.AcquireWorkerSlot())
	require.NoError(t, c.AcquireWorkerSlot())
	require.NoError(t, c.AcquireWorkerSlot())
	require.Equal(t, 3, c.LiveWorkers())

	err := c.AcquireWorkerSlot()
	require.ErrorIs(t, err, ErrBudgetExceeded)

	c.Release()
	require.NoError(t, c.AcquireWorkerSlot())
	require.Equal(t, 4, c.TotalSpawned())
}

func TestAcquireNeverBlocksUnderContention(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTotalWorkers = 8
	c := NewController(limits, zap.NewNop())

	var wg sync.WaitGroup
	var granted, denied sync.Map
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.AcquireWorkerSlot(); err != nil {
				denied.Store(i, true)
				return
			}
			granted.Store(i, true)
		}(i)
	}
	wg.Wait()

	count := 0
	granted.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 8, count)
	require.Equal(t, 8, c.LiveWorkers())
}

func TestFanoutAt(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxFanoutPerDepth = []int{20, 10, 5}
	c := NewController(limits, zap.NewNop())

	require.Equal(t, 20, c.FanoutAt(0))
	require.Equal(t, 10, c.FanoutAt(1))
	require.Equal(t, 5, c.FanoutAt(2))
	// Depths past the configured list inherit the last value.
	require.Equal(t, 5, c.FanoutAt(7))

	empty := NewController(Limits{MaxTotalWorkers: 1}, zap.NewNop())
	require.Equal(t, 0, empty.FanoutAt(0))
}

func TestCostCeilingExhaustsBudget(t *testing.T) {
	limits := DefaultLimits()
	limits.CostCeilingUSD = 0.5
	c := NewController(limits, zap.NewNop())

	c.RecordCost(0.2)
	_, exhausted := c.Exhausted()
	require.False(t, exhausted)

	c.RecordCost(0.35)
	reason, exhausted := c.Exhausted()
	require.True(t, exhausted)
	require.Contains(t, reason, "cost ceiling")
	require.ErrorIs(t, c.AcquireWorkerSlot(), ErrBudgetExceeded)
}

func TestTotalTimeoutExhaustsBudget(t *testing.T) {
	limits := DefaultLimits()
	limits.TotalTimeout = time.Millisecond
	c := NewController(limits, zap.NewNop())

	time.Sleep(5 * time.Millisecond)
	reason, exhausted := c.Exhausted()
	require.True(t, exhausted)
	require.Contains(t, reason, "total timeout")
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	a := DefaultLimits()
	b := DefaultLimits()
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.MaxDepth++
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.MaxTotalWorkers = 0
	require.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.MaxFanoutPerDepth = []int{5, 0}
	require.Error(t, bad.Validate())
}
