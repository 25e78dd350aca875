package orchestrator

import (
	"testing"
	"time"
)

func TestDispatchRateLimiterWindow(t *testing.T) {
	limiter := newDispatchRateLimiter(2, time.Minute)
	base := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

	if got := limiter.remaining("dev-1", base); got != 2 {
		t.Fatalf("fresh remaining = %d, want 2", got)
	}
	limiter.recordDispatch("dev-1", base)
	limiter.recordDispatch("dev-1", base.Add(10*time.Second))
	if got := limiter.remaining("dev-1", base.Add(20*time.Second)); got != 0 {
		t.Fatalf("remaining at cap = %d, want 0", got)
	}
	// Another device is budgeted independently.
	if got := limiter.remaining("dev-2", base.Add(20*time.Second)); got != 2 {
		t.Fatalf("other device remaining = %d, want 2", got)
	}
	// The first dispatch ages out of the window.
	if got := limiter.remaining("dev-1", base.Add(61*time.Second)); got != 1 {
		t.Fatalf("remaining after age-out = %d, want 1", got)
	}
}

func TestDispatchRateLimiterDisabled(t *testing.T) {
	if limiter := newDispatchRateLimiter(0, time.Minute); limiter != nil {
		t.Fatal("limit 0 should disable the limiter")
	}
	if limiter := newDispatchRateLimiter(3, 0); limiter != nil {
		t.Fatal("window 0 should disable the limiter")
	}

	var limiter *dispatchRateLimiter
	limiter.recordDispatch("dev-1", time.Now())
	if got := limiter.remaining("dev-1", time.Now()); got != 1 {
		t.Fatalf("nil limiter remaining = %d, want 1", got)
	}
}

func TestDispatchRateLimiterEmptySerial(t *testing.T) {
	limiter := newDispatchRateLimiter(2, time.Minute)
	limiter.recordDispatch("  ", time.Now())
	if got := limiter.remaining("", time.Now()); got != 0 {
		t.Fatalf("empty serial remaining = %d, want 0", got)
	}
}
