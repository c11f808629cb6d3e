package gateway

import (
	"sync"
	"time"
)

// slidingWindow counts inbound messages per connection. Each message appends
// its timestamp, entries older than the window are evicted from the front,
// and the remaining count is compared against the maximum. The window "resets"
// implicitly as old entries age out.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   []time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		hits:   make([]time.Time, 0, max+1),
	}
}

// Allow records a message at now and reports whether the connection is still
// within its budget. Exactly max messages inside the window pass; the next
// one fails.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}

	w.hits = append(w.hits, now)
	return len(w.hits) <= w.max
}
