// Package resilience guards calls into the tunnel engine.
//
// A CircuitBreaker stops invoking engine commands after repeated failures so
// a wedged binary cannot stall every request behind its command timeout.
// An EngineMonitor probes engine liveness between reconciliations.
//
//	Closed -> Open after FailureThreshold consecutive failures
//	Open -> HalfOpen once Timeout has elapsed; one trial call is let through
//	HalfOpen -> Closed on success, back to Open on failure
package resilience

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = apperrors.ErrCircuitOpen

var (
	// CircuitBreakerState tracks the engine circuit: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = metrics.NewGauge(
		"wgcontrol_circuit_breaker_state",
		"Current state of the engine circuit breaker (0=closed, 1=open, 2=half-open)",
	)
	CircuitBreakerTrips = metrics.NewCounter(
		"wgcontrol_circuit_breaker_trips_total",
		"Total number of times the engine circuit breaker opened",
	)
	CircuitBreakerRejections = metrics.NewCounter(
		"wgcontrol_circuit_breaker_rejections_total",
		"Total engine calls rejected by the open circuit breaker",
	)
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the engine circuit.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed commands that opens the circuit.
	FailureThreshold int
	// Timeout is how long the circuit stays open before a trial command.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns defaults suited to local engine commands.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          15 * time.Second,
	}
}

// CircuitBreaker rejects engine calls while the engine keeps failing.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	name     string
	state    CircuitState
	failures int
	trial    bool
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed circuit, filling in zero config values.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{config: cfg, name: name, now: time.Now}
}

// State returns the current state. An open circuit whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// ExecuteWithContext runs fn unless the circuit rejects it. Cancellation of
// ctx is not counted against the engine; a command timeout derived inside fn is.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		CircuitBreakerRejections.Inc()
		return ErrCircuitOpen
	}
	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.release()
		return ctx.Err()
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.trial = true
		return true
	default:
		// one trial at a time
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	}
}

// release gives back a half-open trial slot without judging the engine.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.trial = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false

	if ok {
		cb.failures = 0
		cb.transitionTo(CircuitClosed)
		return
	}
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to == CircuitOpen {
		cb.openedAt = cb.now()
		CircuitBreakerTrips.Inc()
	}
	if to == CircuitClosed {
		cb.failures = 0
	}
	CircuitBreakerState.Set(int64(to))

	log.WithField("circuit", cb.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		Info("circuit breaker state transition")
}
