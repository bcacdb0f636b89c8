package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errServer = &HTTPError{Source: "test", StatusCode: 503}

func fail(err error) func() error { return func() error { return err } }

func succeed() func() error { return func() error { return nil } }

func newTestBreaker(clock func() time.Time, opts ...BreakerOption) *CircuitBreaker {
	return NewCircuitBreaker("test", append([]BreakerOption{WithBreakerClock(clock)}, opts...)...)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := newTestBreaker(clock,
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(2),
	)

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}

	for i := 0; i < 3; i++ {
		cb.Execute(fail(errServer))
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}
	if snap := cb.Snapshot(); snap.ConsecutiveFailures != 3 || !snap.OpenedAt.Equal(now) {
		t.Fatalf("snapshot = %+v", snap)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || called {
		t.Fatalf("open breaker must reject without calling: err=%v called=%v", err, called)
	}

	// Elapsed recovery timeout alone does not change state; the next call does.
	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerOpen {
		t.Fatal("state must stay open until a call is attempted")
	}
	if !cb.RecoveryDue() {
		t.Fatal("recovery should be due")
	}

	if err := cb.Execute(succeed()); err != nil {
		t.Fatalf("first half-open call: %v", err)
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after one success of two")
	}
	if cb.Snapshot().HalfOpenSuccesses != 1 {
		t.Fatalf("half-open successes = %d", cb.Snapshot().HalfOpenSuccesses)
	}

	cb.Execute(succeed())
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after halfOpenMax successes")
	}
	if cb.Snapshot().ConsecutiveFailures != 0 {
		t.Fatal("closing must reset the failure count")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := newTestBreaker(clock,
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
	)

	cb.Execute(fail(errServer))
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	now = now.Add(100 * time.Millisecond)
	cb.Execute(fail(errServer))
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
	if !cb.Snapshot().OpenedAt.Equal(now) {
		t.Fatal("half-open failure must restart the recovery timer")
	}

	// The restarted timer has not elapsed yet.
	now = now.Add(40 * time.Millisecond)
	if err := cb.Execute(succeed()); err == nil {
		t.Fatal("expected rejection before the new recovery timeout")
	}
}

func TestCircuitBreaker_TerminalErrorsIgnored(t *testing.T) {
	cb := NewCircuitBreaker("test", WithBreakerThreshold(2))

	for i := 0; i < 10; i++ {
		cb.Execute(fail(&HTTPError{Source: "test", StatusCode: 400}))
		cb.Execute(fail(&ErrMalformedResponse{Source: "test", Cause: errors.New("bad json")}))
		cb.Execute(fail(context.Canceled))
	}
	snap := cb.Snapshot()
	if snap.State != BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("terminal errors changed breaker: %+v", snap)
	}

	cb.Execute(fail(&HTTPError{Source: "test", StatusCode: 429}))
	if cb.Snapshot().ConsecutiveFailures != 1 {
		t.Fatal("429 must count")
	}
	cb.Execute(fail(context.DeadlineExceeded))
	if cb.State() != BreakerOpen {
		t.Fatal("timeouts must count toward the threshold")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutive(t *testing.T) {
	cb := NewCircuitBreaker("test", WithBreakerThreshold(3))
	cb.Execute(fail(errServer))
	cb.Execute(fail(errServer))
	cb.Execute(succeed())
	cb.Execute(fail(errServer))
	cb.Execute(fail(errServer))
	if cb.State() != BreakerClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := newTestBreaker(clock,
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(2),
	)
	cb.Execute(fail(errServer))
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := cb.Execute(succeed()); err == nil {
		t.Fatal("third concurrent half-open call should be rejected")
	}
	close(release)
	wg.Wait()

	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	var mu sync.Mutex
	var seen []string
	cb := newTestBreaker(clock,
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerTransitions(func(source string, from, to BreakerState) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, from.String()+">"+to.String())
		}),
	)

	cb.Execute(fail(errServer))
	now = now.Add(2 * time.Second)
	cb.Execute(succeed())

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestCircuitBreaker_ConcurrentCallersNoLostUpdates(t *testing.T) {
	cb := NewCircuitBreaker("test", WithBreakerThreshold(1000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.Execute(fail(errServer))
			}
		}()
	}
	wg.Wait()
	if got := cb.Snapshot().ConsecutiveFailures; got != 500 {
		t.Fatalf("consecutive failures = %d, want 500", got)
	}
}

func TestWithCircuitBreaker_Middleware(t *testing.T) {
	cb := NewCircuitBreaker("test", WithBreakerThreshold(1))

	calls := 0
	base := func(ctx context.Context, req *Request) ([]byte, error) {
		calls++
		return nil, errServer
	}
	wrapped := WithCircuitBreaker(cb)(base)

	if _, err := wrapped(context.Background(), &Request{Source: "test"}); !errors.Is(err, errServer) {
		t.Fatalf("first call err = %v", err)
	}
	_, err := wrapped(context.Background(), &Request{Source: "test"})
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
