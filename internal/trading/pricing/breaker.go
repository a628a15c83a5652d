package pricing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the price source circuit breaker
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" json:"enabled"`
	FailureThreshold    int64         `mapstructure:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold    int64         `mapstructure:"success_threshold" json:"success_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown" json:"cooldown"`
	MaxHalfOpenRequests int64         `mapstructure:"max_half_open_requests" json:"max_half_open_requests"`
}

// DefaultBreakerConfig returns default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Cooldown:            30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// Breaker suspends calls to a repeatedly failing price source for a cooldown
// window, then lets a limited number of trial calls through.
type Breaker struct {
	config           BreakerConfig
	logger           *zap.Logger
	now              func() time.Time
	mu               sync.Mutex
	state            BreakerState
	failureCount     int64
	successCount     int64
	halfOpenRequests int64
	openedAt         time.Time
}

func NewBreaker(config BreakerConfig, logger *zap.Logger) *Breaker {
	metrics.BreakerState.Set(float64(BreakerClosed))
	return &Breaker{config: config, logger: logger, now: time.Now}
}

// Allow checks if a request can proceed through the circuit breaker
func (b *Breaker) Allow() bool {
	if !b.config.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.halfOpenRequests = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenRequests < b.config.MaxHalfOpenRequests {
			b.halfOpenRequests++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful fetch
func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(BreakerClosed)
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

// Release returns a half-open slot taken by Allow for a call that ended
// without a verdict, such as one abandoned by its caller.
func (b *Breaker) Release() {
	if !b.config.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.halfOpenRequests > 0 {
		b.halfOpenRequests--
	}
}

// RecordFailure records a failed fetch
func (b *Breaker) RecordFailure() {
	if !b.config.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with mu held.
func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.successCount = 0
	b.halfOpenRequests = 0
	switch next {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerClosed:
		b.failureCount = 0
	}
	metrics.BreakerState.Set(float64(next))

	b.logger.Info("Price feed circuit breaker state changed",
		zap.String("old_state", prev.String()),
		zap.String("new_state", next.String()),
		zap.Int64("failure_count", b.failureCount))
}
