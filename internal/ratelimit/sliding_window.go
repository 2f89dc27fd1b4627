package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// entry holds one source key's recent event times. Each entry has its own
// lock so the periodic sweep never stalls live traffic behind a global lock.
type entry struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// SlidingWindow is an in-memory sliding-window limiter: at most maxEvents
// events per key within the trailing window. Allow prunes expired timestamps
// before appending, so the per-call cost stays amortized O(1).
type SlidingWindow struct {
	maxEvents int
	window    time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSlidingWindow creates a limiter allowing maxEvents per window per key.
func NewSlidingWindow(maxEvents int, window time.Duration, logger zerolog.Logger) *SlidingWindow {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		maxEvents: maxEvents,
		window:    window,
		now:       time.Now,
		logger:    logger,
		entries:   make(map[string]*entry),
		stop:      make(chan struct{}),
	}
}

// Allow reports whether an event for key is admitted. When the key already
// has maxEvents timestamps inside the window the call denies without
// recording anything; otherwise expired timestamps are pruned, the current
// time is appended, and the event is admitted.
func (l *SlidingWindow) Allow(_ context.Context, key string) bool {
	e := l.entryFor(key)
	now := l.now()
	cutoff := now.Add(-l.window)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Prune in place; timestamps are appended in order, so the live suffix
	// starts at the first one past the cutoff.
	live := 0
	for live < len(e.timestamps) && !e.timestamps[live].After(cutoff) {
		live++
	}
	if live > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[live:]...)
	}

	if len(e.timestamps) >= l.maxEvents {
		return false
	}
	e.timestamps = append(e.timestamps, now)
	return true
}

func (l *SlidingWindow) entryFor(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// Sweep runs the garbage collector until ctx is canceled or Close is called.
// Every window interval it drops keys whose timestamp lists have fully
// expired, taking each entry's own lock rather than a single lock for the
// whole pass.
func (l *SlidingWindow) Sweep(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *SlidingWindow) sweepOnce() {
	cutoff := l.now().Add(-l.window)

	l.mu.RLock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		l.mu.RLock()
		e, ok := l.entries[k]
		l.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		empty := len(e.timestamps) == 0 ||
			!e.timestamps[len(e.timestamps)-1].After(cutoff)
		if empty {
			e.timestamps = nil
		}
		e.mu.Unlock()

		if empty {
			l.mu.Lock()
			delete(l.entries, k)
			l.mu.Unlock()
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("rate limit sweep reclaimed idle keys")
	}
}

// Close stops the sweep loop. Safe to call more than once.
func (l *SlidingWindow) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

// setClock replaces the time source. Test hook.
func (l *SlidingWindow) setClock(now func() time.Time) {
	l.now = now
}

// keyCount reports how many keys are currently tracked. Test hook.
func (l *SlidingWindow) keyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
