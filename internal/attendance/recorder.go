package attendance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/metrics"
)

const (
	debounceCacheSize = 8192
	replayInterval    = 30 * time.Second
	retryBaseDelay    = 100 * time.Millisecond
)

// RecorderConfig tunes debounce and persistence behavior.
type RecorderConfig struct {
	DebounceWindow time.Duration
	RetryMax       int
}

// Recorder debounces and persists attendance events. Store may be nil
// (spill-only deployments); Spill must not be.
type Recorder struct {
	cfg   RecorderConfig
	store Store
	spill *Spill

	// recent maps employee|direction to the last accepted event; the LRU
	// bounds memory across arbitrarily many employees.
	recent *lru.Cache[string, Event]

	writeMu sync.Mutex

	mu        sync.RWMutex
	lastError error
}

func NewRecorder(cfg RecorderConfig, store Store, spill *Spill) *Recorder {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 5 * time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	cache, _ := lru.New[string, Event](debounceCacheSize)
	return &Recorder{cfg: cfg, store: store, spill: spill, recent: cache}
}

func debounceKey(employeeID string, dir camera.Direction) string {
	return employeeID + "|" + string(dir)
}

// Record applies the debounce rule — within the window, first wins — and
// flushes accepted events to the store, falling back to the spill file so no
// event is silently lost.
func (r *Recorder) Record(ctx context.Context, evt Event) (Outcome, error) {
	key := debounceKey(evt.EmployeeID, evt.Direction)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if prev, ok := r.recent.Get(key); ok {
		if evt.Timestamp.Sub(prev.Timestamp) < r.cfg.DebounceWindow {
			metrics.RecordAttendance("debounced")
			return Debounced, nil
		}
	}
	r.recent.Add(key, evt)

	if err := r.persist(ctx, evt); err != nil {
		metrics.RecordAttendance("spilled")
		if spillErr := r.spill.Append(evt); spillErr != nil {
			r.setLastError(spillErr)
			return Errored, spillErr
		}
		r.setLastError(err)
		// The event is safe in the spill; the caller sees the store problem
		// but the debounce state stands so duplicates stay suppressed.
		return Accepted, err
	}

	r.setLastError(nil)
	metrics.RecordAttendance("accepted")
	return Accepted, nil
}

// persist retries transient store failures with exponential backoff before
// declaring the store unavailable.
func (r *Recorder) persist(ctx context.Context, evt Event) error {
	if r.store == nil {
		return fmt.Errorf("%w: no store configured", ErrStoreUnavailable)
	}

	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = r.store.Append(ctx, evt); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// RecentFor reports accepted events for an employee inside window. The store
// is authoritative when configured; otherwise the in-memory recent map
// answers for the most recent event per direction.
func (r *Recorder) RecentFor(ctx context.Context, employeeID string, window time.Duration) ([]Event, error) {
	now := time.Now()
	if r.store != nil {
		return r.store.ListByEmployee(ctx, employeeID, now.Add(-window), now)
	}

	var out []Event
	for _, dir := range []camera.Direction{camera.DirectionEnter, camera.DirectionExit} {
		if evt, ok := r.recent.Get(debounceKey(employeeID, dir)); ok {
			if now.Sub(evt.Timestamp) <= window {
				out = append(out, evt)
			}
		}
	}
	return out, nil
}

// LastError exposes the most recent persistence failure for Status.
func (r *Recorder) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

func (r *Recorder) setLastError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
}

// StartReplayer drains the spill file back into the store on an interval,
// for as long as ctx lives. Events that still fail stay spilled.
func (r *Recorder) StartReplayer(ctx context.Context) {
	if r.store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(replayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.replayOnce(ctx)
			}
		}
	}()
}

func (r *Recorder) replayOnce(ctx context.Context) {
	flushed, failed := r.spill.Drain(func(evt Event) error {
		if err := r.store.Append(ctx, evt); err != nil {
			// Back into the spill; next interval tries again.
			if spillErr := r.spill.Append(evt); spillErr != nil {
				log.Printf("[Attendance] replay re-spill failed: %v", spillErr)
			}
			return err
		}
		return nil
	})
	if flushed > 0 {
		log.Printf("[Attendance] replayed %d spilled events (%d pending)", flushed, failed)
	}
}
