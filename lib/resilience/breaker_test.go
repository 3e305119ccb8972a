package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move an open circuit past its timeout.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("engine", CircuitBreakerConfig{FailureThreshold: threshold, Timeout: time.Minute})
	cb.now = clock.Now
	return cb, clock
}

var errEngine = errors.New("wg: exit status 1")

func fail(context.Context) error { return errEngine }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("engine", CircuitBreakerConfig{})
	if cb.config != DefaultCircuitBreakerConfig() {
		t.Errorf("config = %+v, want defaults", cb.config)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.ExecuteWithContext(ctx, fail); !errors.Is(err, errEngine) {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	rejected := CircuitBreakerRejections.Value()
	called := false
	err := cb.ExecuteWithContext(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open circuit: err = %v, called = %v", err, called)
	}
	if CircuitBreakerRejections.Value() != rejected+1 {
		t.Error("rejection not counted")
	}
	if CircuitBreakerState.Value() != int64(CircuitOpen) {
		t.Errorf("state gauge = %d", CircuitBreakerState.Value())
	}
}

func TestCircuitBreaker_SingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	cb.ExecuteWithContext(ctx, fail)
	clock.Advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.ExecuteWithContext(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := cb.ExecuteWithContext(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second call during trial = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial error = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state after successful trial = %v", cb.State())
	}
}

func TestCircuitBreaker_CancelledTrialIsReleased(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.ExecuteWithContext(context.Background(), fail)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.ExecuteWithContext(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled call = %v", err)
	}
	if err := cb.ExecuteWithContext(context.Background(), succeed); err != nil {
		t.Errorf("trial slot should be free after cancellation, got %v", err)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:   "closed",
		CircuitOpen:     "open",
		CircuitHalfOpen: "half-open",
		CircuitState(9): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
