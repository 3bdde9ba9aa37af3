// ABOUTME: Sliding-window rate limiter keeping the admission times of the last window.
// ABOUTME: Exact count semantics: at most limit admissions in any window-long interval.

package ingress

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time // ring buffer of admission times
	head   int
	count  int
	now    func() time.Time
}

// NewSlidingWindow creates a limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		times:  make([]time.Time, limit),
		now:    time.Now,
	}
}

// Allow records an admission and returns true, or returns false if limit
// admissions already happened within the last window.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for w.count > 0 && now.Sub(w.times[w.head]) >= w.window {
		w.head = (w.head + 1) % w.limit
		w.count--
	}
	if w.count == w.limit {
		return false
	}

	w.times[(w.head+w.count)%w.limit] = now
	w.count++
	return true
}
