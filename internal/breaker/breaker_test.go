package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"mdprovider/internal/breaker"
)

// go test -v --run TestBreakerOpensAfterThreshold
func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		done, err := r.Allow("vendor")
		if err != nil {
			t.Fatalf("call %d unexpectedly denied: %v", i, err)
		}
		done(false)
	}

	if got := r.State("vendor"); got != gobreaker.StateOpen {
		t.Fatalf("expected open after 5 consecutive failures, got %v", got)
	}
	if _, err := r.Allow("vendor"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
}

// go test -v --run TestBreakerHalfOpenProbe
func TestBreakerHalfOpenProbe(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, RecoveryTimeout: 40 * time.Millisecond})

	for i := 0; i < 2; i++ {
		done, err := r.Allow("vendor")
		if err != nil {
			t.Fatalf("seed failure %d denied: %v", i, err)
		}
		done(false)
	}
	if _, err := r.Allow("vendor"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected denial while open, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// Exactly one probe passes.
	done, err := r.Allow("vendor")
	if err != nil {
		t.Fatalf("probe denied after recovery window: %v", err)
	}
	if _, err := r.Allow("vendor"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("second concurrent probe should be denied, got %v", err)
	}

	done(true)
	if got := r.State("vendor"); got != gobreaker.StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", got)
	}
}

// go test -v --run TestBreakerReopensOnFailedProbe
func TestBreakerReopensOnFailedProbe(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, RecoveryTimeout: 40 * time.Millisecond})

	for i := 0; i < 2; i++ {
		done, _ := r.Allow("vendor")
		done(false)
	}
	time.Sleep(60 * time.Millisecond)

	done, err := r.Allow("vendor")
	if err != nil {
		t.Fatalf("probe denied: %v", err)
	}
	done(false)

	if got := r.State("vendor"); got != gobreaker.StateOpen {
		t.Fatalf("failed probe should reopen, got %v", got)
	}
	if _, err := r.Allow("vendor"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected denial right after reopen, got %v", err)
	}
}

// go test -v --run TestBreakerSuccessResetsFailures
func TestBreakerSuccessResetsFailures(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	// Two failures, one success, two failures: never trips.
	for _, success := range []bool{false, false, true, false, false} {
		done, err := r.Allow("vendor")
		if err != nil {
			t.Fatalf("unexpected denial: %v", err)
		}
		done(success)
	}
	if got := r.State("vendor"); got != gobreaker.StateClosed {
		t.Fatalf("failure count should reset on success, got state %v", got)
	}
}

// go test -v --run TestBreakerIsolatesSources
func TestBreakerIsolatesSources(t *testing.T) {
	r := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		done, _ := r.Allow("a")
		done(false)
	}
	done, _ := r.Allow("b")
	done(false)

	if got := r.State("a"); got != gobreaker.StateOpen {
		t.Fatalf("source a should be open, got %v", got)
	}
	if _, err := r.Allow("b"); err != nil {
		t.Fatalf("source b must be unaffected: %v", err)
	}

	snap := r.Snapshot()
	if snap["a"].State != "open" {
		t.Errorf("unexpected status for a: %+v", snap["a"])
	}
	if snap["b"].State != "closed" || snap["b"].ConsecutiveFailures != 1 {
		t.Errorf("unexpected status for b: %+v", snap["b"])
	}
}
