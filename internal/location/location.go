// Package location tracks the protected user's position as pushed by their devices.
//
// Fixes arrive over the device link or the HTTP API; the episode engine reads them through
// the Provider interface with a bounded wait.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/benbjohnson/clock"
)

// DefaultMaxAge is how old the last fix may be and still answer GetCurrentFix immediately.
const DefaultMaxAge = 5 * time.Second

// Provider yields location fixes on demand or by subscription.
type Provider interface {
	// GetCurrentFix returns a fresh fix, waiting at most timeout for one to arrive.
	// It returns models.ErrLocationUnavailable when none arrives in time.
	GetCurrentFix(ctx context.Context, timeout time.Duration) (models.Fix, error)
	// Watch calls cb with pushed fixes, at most once per interval. The returned func unwatches.
	Watch(interval time.Duration, cb func(models.Fix)) (unwatch func())
}

// Requester asks a device for a fresh fix. Errors are logged; the wait continues regardless.
type Requester func(ctx context.Context) error

// Opts holds configuration options for the Tracker.
type Opts struct {
	Clock     clock.Clock
	MaxAge    time.Duration
	Requester Requester
}

// Option defines a configuration option for the Tracker.
type Option func(*Opts)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithMaxAge sets how old a cached fix may be.
func WithMaxAge(d time.Duration) Option {
	return func(o *Opts) { o.MaxAge = d }
}

// WithRequester sets the callback used to ask a device for a fresh fix.
func WithRequester(r Requester) Option {
	return func(o *Opts) { o.Requester = r }
}

type watcher struct {
	cb       func(models.Fix)
	interval time.Duration
	lastSent time.Time
}

// Tracker is a push-fed Provider.
type Tracker struct {
	clock     clock.Clock
	maxAge    time.Duration
	requester Requester

	mu         sync.Mutex
	last       *models.Fix
	receivedAt time.Time
	waiters    map[int]chan models.Fix
	watchers   map[int]*watcher
	nextID     int
}

var _ Provider = (*Tracker)(nil)

// NewTracker creates a Tracker.
func NewTracker(opts ...Option) *Tracker {
	cfg := Opts{Clock: clock.New(), MaxAge: DefaultMaxAge}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Tracker{
		clock:     cfg.Clock,
		maxAge:    cfg.MaxAge,
		requester: cfg.Requester,
		waiters:   make(map[int]chan models.Fix),
		watchers:  make(map[int]*watcher),
	}
}

// SetRequester replaces the fresh-fix callback. The device link hub is created after the
// tracker, so main wires it here.
func (t *Tracker) SetRequester(r Requester) {
	t.mu.Lock()
	t.requester = r
	t.mu.Unlock()
}

// Push records a fix reported by a device and hands it to waiters and watchers.
func (t *Tracker) Push(fix models.Fix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = t.clock.Now()
	}

	t.mu.Lock()
	stored := fix
	t.last = &stored
	t.receivedAt = t.clock.Now()
	for id, ch := range t.waiters {
		ch <- fix
		delete(t.waiters, id)
	}
	now := t.clock.Now()
	var due []func(models.Fix)
	for _, w := range t.watchers {
		if w.lastSent.IsZero() || now.Sub(w.lastSent) >= w.interval {
			w.lastSent = now
			due = append(due, w.cb)
		}
	}
	t.mu.Unlock()

	slog.Debug("Tracker.Push: fix received", "lat", fix.Lat, "lng", fix.Lng, "accuracy", fix.Accuracy, "watchers", len(due))
	for _, cb := range due {
		cb(fix)
	}
}

// Last returns the most recent fix regardless of age.
func (t *Tracker) Last() (models.Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.Fix{}, false
	}
	return *t.last, true
}

// GetCurrentFix returns the cached fix when it is fresh, otherwise asks the device for one
// and waits for the next push.
func (t *Tracker) GetCurrentFix(ctx context.Context, timeout time.Duration) (models.Fix, error) {
	t.mu.Lock()
	// Age is measured from receipt; device clocks may run ahead of ours.
	if t.last != nil && t.clock.Since(t.receivedAt) <= t.maxAge {
		fix := *t.last
		t.mu.Unlock()
		return fix, nil
	}
	id := t.nextID
	t.nextID++
	ch := make(chan models.Fix, 1)
	t.waiters[id] = ch
	requester := t.requester
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
	}()

	if requester != nil {
		if err := requester(ctx); err != nil {
			slog.Warn("Tracker.GetCurrentFix: fix request failed", "error", err)
		}
	}

	timer := t.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case fix := <-ch:
		return fix, nil
	case <-timer.C:
		return models.Fix{}, fmt.Errorf("no fix within %s: %w", timeout, models.ErrLocationUnavailable)
	case <-ctx.Done():
		return models.Fix{}, fmt.Errorf("%w: %v", models.ErrLocationUnavailable, ctx.Err())
	}
}

// Watch registers cb for pushed fixes, throttled to one call per interval.
func (t *Tracker) Watch(interval time.Duration, cb func(models.Fix)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = &watcher{cb: cb, interval: interval}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}
}
