package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// dispatchRateLimiter caps how many tasks one device receives inside a
// sliding window. A device over budget is treated as non-qualifying for
// selection until old dispatches age out.
type dispatchRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

func newDispatchRateLimiter(limit int, window time.Duration) *dispatchRateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &dispatchRateLimiter{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

// remaining reports how many more dispatches the device may receive right
// now. A nil limiter imposes no cap.
func (r *dispatchRateLimiter) remaining(serial string, now time.Time) int {
	if r == nil {
		return 1
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(serial, now)
	remaining := r.limit - len(list)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// recordDispatch charges one dispatch against the device's window.
func (r *dispatchRateLimiter) recordDispatch(serial string, now time.Time) {
	if r == nil {
		return
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(serial, now)
	r.records[serial] = append(list, now)
}

func (r *dispatchRateLimiter) pruneLocked(serial string, now time.Time) []time.Time {
	list := r.records[serial]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	r.records[serial] = list
	return list
}
