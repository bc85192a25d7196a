package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ctrlsam/rigour/pkg/storage"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("job already started")

// Retention periodically deletes host records not updated within MaxAge.
type Retention struct {
	store    storage.HostStore
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   int
}

// DefaultRetentionInterval is used when no interval is given.
const DefaultRetentionInterval = time.Hour

// NewRetention builds a retention job. It runs once at start and then every
// interval.
func NewRetention(store storage.HostStore, maxAge, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	return &Retention{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   log.With().Str("component", "jobs.retention").Logger(),
	}
}

// WithLogger replaces the job logger.
func (r *Retention) WithLogger(l zerolog.Logger) *Retention {
	r.logger = l
	return r
}

// Start launches the collection loop.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrAlreadyStarted
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info().Dur("max_age", r.maxAge).Dur("interval", r.interval).Msg("Retention job started")
	return nil
}

// Stop cancels the loop and waits for a running collection to finish or
// for ctx to expire.
func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runs reports how many collections have completed.
func (r *Retention) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *Retention) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Retention) collect(ctx context.Context) {
	res, err := storage.GarbageCollect(ctx, r.store, storage.GCOptions{MaxAge: r.maxAge})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Retention run failed")
		}
		return
	}

	r.mu.Lock()
	r.runs++
	r.mu.Unlock()

	ev := r.logger.Debug()
	if res.HostsDeleted > 0 || len(res.Errors) > 0 {
		ev = r.logger.Info()
	}
	ev.Int("deleted", res.HostsDeleted).Int("errors", len(res.Errors)).Msg("Retention run finished")
}
