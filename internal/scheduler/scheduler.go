package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs named one-shot tasks. Every deferred action in the gateway
// (auth timeout, presence offline grace) is keyed by connection or user
// identity here, so cancelling on reconnect or close is a single call.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	log     *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		log:    log,
	}
}

// Schedule arms fn to run after d. Scheduling under an existing key replaces
// the pending task.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[key]
		// A Cancel or a replacing Schedule racing the fire wins: only the
		// timer still registered under the key may run.
		live := ok && cur == t && !s.stopped
		if live {
			delete(s.timers, key)
		}
		s.mu.Unlock()

		if live {
			fn()
		}
	})
	s.timers[key] = t
}

// Cancel stops a pending task. Returns true if one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Stop cancels everything and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.log.Debug("Scheduler stopped")
}

// Pending reports whether a task is armed under the key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
