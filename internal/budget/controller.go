// Package budget implements the recursion controller: the cross-cutting
// budget authority shared by the whole task tree of one query. Workers
// must acquire a slot before spawning a child and release it on
// completion; acquisition fails rather than blocks when a ceiling is
// reached, forcing the caller to fall back to direct leaf evaluation.
package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrBudgetExceeded indicates a depth, fan-out, worker-count, time, or
// cost ceiling was hit. It triggers fallback to direct evaluation, never
// task failure.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Limits are the ceilings enforced for one query execution.
type Limits struct {
	MaxDepth          int           `mapstructure:"max_depth" yaml:"max_depth" json:"max_depth"`
	MaxFanoutPerDepth []int         `mapstructure:"max_fanout_per_depth" yaml:"max_fanout_per_depth" json:"max_fanout_per_depth"`
	MaxTotalWorkers   int           `mapstructure:"max_total_workers" yaml:"max_total_workers" json:"max_total_workers"`
	PerWorkerTimeout  time.Duration `mapstructure:"per_worker_timeout" yaml:"per_worker_timeout" json:"per_worker_timeout"`
	TotalTimeout      time.Duration `mapstructure:"total_timeout" yaml:"total_timeout" json:"total_timeout"`
	CostCeilingUSD    float64       `mapstructure:"cost_ceiling_usd" yaml:"cost_ceiling_usd" json:"cost_ceiling_usd"`
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:          3,
		MaxFanoutPerDepth: []int{20, 10, 5},
		MaxTotalWorkers:   64,
		PerWorkerTimeout:  30 * time.Second,
		TotalTimeout:      5 * time.Minute,
		CostCeilingUSD:    1.0,
	}
}

// Validate rejects limits no execution could honor.
func (l Limits) Validate() error {
	if l.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", l.MaxDepth)
	}
	if l.MaxTotalWorkers < 1 {
		return fmt.Errorf("max_total_workers must be >= 1, got %d", l.MaxTotalWorkers)
	}
	for i, f := range l.MaxFanoutPerDepth {
		if f < 1 {
			return fmt.Errorf("max_fanout_per_depth[%d] must be >= 1, got %d", i, f)
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the limits, used to key cached
// results so a changed budget never serves a stale answer.
func (l Limits) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "d=%d;w=%d;pt=%s;tt=%s;c=%.6f;f=%v",
		l.MaxDepth, l.MaxTotalWorkers, l.PerWorkerTimeout, l.TotalTimeout,
		l.CostCeilingUSD, l.MaxFanoutPerDepth)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Controller enforces Limits across a dynamically growing task tree. It is
// injected into each worker invocation, never ambient: concurrent
// workspaces run with independent controllers, and tests supply
// deterministic or pre-exhausted ones directly.
type Controller struct {
	limits  Limits
	logger  *zap.Logger
	started time.Time

	live    atomic.Int64 // workers currently holding a slot
	spawned atomic.Int64 // total slots ever acquired

	mu      sync.Mutex
	costUSD float64
}

// NewController starts the wall clock for one query execution.
func NewController(limits Limits, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{limits: limits, logger: logger, started: time.Now()}
}

// Limits returns the ceilings this controller enforces.
func (c *Controller) Limits() Limits { return c.limits }

// MaxDepth returns the deepest depth at which tasks may exist.
func (c *Controller) MaxDepth() int { return c.limits.MaxDepth }

// FanoutAt returns the child ceiling for a node at the given depth. The
// last configured value applies to deeper levels; zero means unlimited
// fan-out was configured nowhere and recursion is denied.
func (c *Controller) FanoutAt(depth int) int {
	f := c.limits.MaxFanoutPerDepth
	if len(f) == 0 {
		return 0
	}
	if depth >= len(f) {
		return f[len(f)-1]
	}
	if depth < 0 {
		return f[0]
	}
	return f[depth]
}

// PerWorkerTimeout returns the per-child deadline a parent applies while
// awaiting children. Zero means no per-worker deadline.
func (c *Controller) PerWorkerTimeout() time.Duration { return c.limits.PerWorkerTimeout }

// Deadline returns the absolute wall-clock deadline for the whole tree,
// or the zero time when no total timeout is configured.
func (c *Controller) Deadline() time.Time {
	if c.limits.TotalTimeout <= 0 {
		return time.Time{}
	}
	return c.started.Add(c.limits.TotalTimeout)
}

// AcquireWorkerSlot claims capacity for one child worker. It fails fast
// with ErrBudgetExceeded when the worker ceiling, wall clock, or cost
// ceiling is exhausted; it never blocks.
func (c *Controller) AcquireWorkerSlot() error {
	if reason, exhausted := c.Exhausted(); exhausted {
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
	}
	for {
		cur := c.live.Load()
		if cur >= int64(c.limits.MaxTotalWorkers) {
			return fmt.Errorf("%w: worker ceiling %d reached", ErrBudgetExceeded, c.limits.MaxTotalWorkers)
		}
		if c.live.CompareAndSwap(cur, cur+1) {
			c.spawned.Add(1)
			return nil
		}
	}
}

// Release returns a worker slot. Safe to call exactly once per successful
// acquire.
func (c *Controller) Release() {
	if c.live.Add(-1) < 0 {
		c.live.Store(0)
		c.logger.Warn("Budget release without matching acquire")
	}
}

// RecordCost accumulates processing-function spend toward the ceiling.
func (c *Controller) RecordCost(usd float64) {
	if usd <= 0 || math.IsNaN(usd) {
		return
	}
	c.mu.Lock()
	c.costUSD += usd
	c.mu.Unlock()
}

// SpentUSD returns the accumulated cost so far.
func (c *Controller) SpentUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.costUSD
}

// LiveWorkers returns the number of currently held slots.
func (c *Controller) LiveWorkers() int { return int(c.live.Load()) }

// TotalSpawned returns how many slots were ever acquired.
func (c *Controller) TotalSpawned() int { return int(c.spawned.Load()) }

// Exhausted reports whether a global ceiling (time or cost) has been hit,
// and which one. Worker-count exhaustion is transient and reported by
// AcquireWorkerSlot instead.
func (c *Controller) Exhausted() (string, bool) {
	if d := c.Deadline(); !d.IsZero() && time.Now().After(d) {
		return fmt.Sprintf("total timeout %s elapsed", c.limits.TotalTimeout), true
	}
	if c.limits.CostCeilingUSD > 0 {
		c.mu.Lock()
		spent := c.costUSD
		c.mu.Unlock()
		if spent >= c.limits.CostCeilingUSD {
			return fmt.Sprintf("cost ceiling $%.4f reached", c.limits.CostCeilingUSD), true
		}
	}
	return "", false
}
