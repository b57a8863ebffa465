// Package circuitbreaker guards calls to the external evaluation service.
// After a run of consecutive failures the breaker opens and rejects calls
// immediately; after a cool-off it lets probe calls through and closes again
// once enough of them succeed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold" json:"success_threshold"`
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration `mapstructure:"cool_off" yaml:"cool_off" json:"cool_off"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolOff:          10 * time.Second,
	}
}

type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

func New(name string, config Config, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.CoolOff <= 0 {
		config.CoolOff = DefaultConfig().CoolOff
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open. A context error from fn does
// not count against the breaker: the caller gave up, the service did not fail.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == StateOpen {
		return ErrOpen
	}
	return nil
}

// stateLocked applies the open -> half-open transition lazily on read.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.CoolOff {
		b.state = StateHalfOpen
		b.successes = 0
		if b.logger != nil {
			b.logger.Info("circuit breaker probing", zap.String("name", b.name))
		}
	}
	return b.state
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	if !success {
		b.failures++
		b.successes = 0
		if state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			b.trip()
		}
		return
	}

	b.failures = 0
	if state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			if b.logger != nil {
				b.logger.Info("circuit breaker closed", zap.String("name", b.name))
			}
		}
	}
}

func (b *Breaker) trip() {
	if b.state != StateOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		if b.logger != nil {
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.name),
				zap.Int("consecutive_failures", b.failures))
		}
	}
	b.failures = 0
}
