package resource

import (
	"context"
	"sync"
	"time"
)

// Sweeper expires idle entries. Each registered entry accumulates idle
// time on every Tick and is dropped once it exceeds its timeout; Touch
// resets the counter.
type Sweeper struct {
	mu      sync.RWMutex
	entries map[string]*sweepEntry
}

type sweepEntry struct {
	timeout  time.Duration
	idle     time.Duration
	onExpire func()
}

// NewSweeper creates an empty sweeper.
func NewSweeper() *Sweeper {
	return &Sweeper{entries: make(map[string]*sweepEntry)}
}

// Register tracks key. Registering an existing key replaces it.
func (s *Sweeper) Register(key string, timeout time.Duration, onExpire func()) {
	s.mu.Lock()
	s.entries[key] = &sweepEntry{timeout: timeout, onExpire: onExpire}
	s.mu.Unlock()
}

// Touch resets the idle time of key.
func (s *Sweeper) Touch(key string) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	e.idle = 0
	s.mu.Unlock()
}

// Unregister stops tracking key without running its callback.
func (s *Sweeper) Unregister(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of tracked entries.
func (s *Sweeper) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tick advances every entry by elapsed and expires those past their
// timeout. Callbacks run after the lock is released. It returns the
// expired keys.
func (s *Sweeper) Tick(elapsed time.Duration) []string {
	var expired []string
	var callbacks []func()

	s.mu.Lock()
	for key, e := range s.entries {
		e.idle += elapsed
		if e.timeout > 0 && e.idle > e.timeout {
			expired = append(expired, key)
			if e.onExpire != nil {
				callbacks = append(callbacks, e.onExpire)
			}
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return expired
}

// Run ticks every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(interval)
		}
	}
}
