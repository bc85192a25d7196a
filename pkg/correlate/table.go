// Package correlate matches asynchronous probe results back to the requests
// that caused them.
package correlate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout       = 300 * time.Second
	DefaultSweepInterval = 60 * time.Second

	// sweepRetryDelay is how long the sweep loop pauses after a failed pass.
	sweepRetryDelay = 5 * time.Second
)

type entry[V any] struct {
	value      V
	enqueuedAt time.Time
}

// Table holds in-flight requests keyed by host identifier. All operations are
// serialized behind one mutex.
type Table[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]

	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewTable returns an empty table that evicts entries older than timeout.
func NewTable[V any](timeout time.Duration) *Table[V] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table[V]{
		entries: make(map[string]entry[V]),
		timeout: timeout,
		now:     time.Now,
		logger:  log.With().Str("component", "correlate").Logger(),
	}
}

// WithClock overrides the time source.
func (t *Table[V]) WithClock(now func() time.Time) *Table[V] {
	t.now = now
	return t
}

// WithLogger replaces the table logger.
func (t *Table[V]) WithLogger(l zerolog.Logger) *Table[V] {
	t.logger = l
	return t
}

// Timeout returns the eviction age.
func (t *Table[V]) Timeout() time.Duration {
	return t.timeout
}

// Insert records value under key with the current time. An existing entry
// for key is replaced; the return value reports whether that happened.
func (t *Table[V]) Insert(key string, value V) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, replaced = t.entries[key]
	t.entries[key] = entry[V]{value: value, enqueuedAt: t.now()}
	return replaced
}

// Resolve removes and returns the entry for key. ok is false when the key was
// never inserted, was already resolved, or has been evicted.
func (t *Table[V]) Resolve(key string) (value V, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return value, false
	}
	delete(t.entries, key)
	return e.value, true
}

// Len returns the number of pending entries.
func (t *Table[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep evicts every entry strictly older than the timeout and returns the
// evicted keys in sorted order.
func (t *Table[V]) Sweep() []string {
	evicted := t.evictStale()
	for _, key := range evicted {
		t.logger.Warn().
			Str("ip", key).
			Dur("timeout", t.timeout).
			Msg("Removed stale pending request")
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is cancelled. A failing
// pass is logged and retried after a short delay; the loop only returns on
// cancellation.
func (t *Table[V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := interval
		if err := t.safeSweep(); err != nil {
			t.logger.Error().Err(err).Msg("Sweep failed")
			next = min(sweepRetryDelay, interval)
		}
		timer.Reset(next)
	}
}

func (t *Table[V]) evictStale() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var evicted []string
	for key, e := range t.entries {
		if now.Sub(e.enqueuedAt) > t.timeout {
			delete(t.entries, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	return evicted
}

func (t *Table[V]) safeSweep() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
		}
	}()
	t.Sweep()
	return nil
}
