package sos

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// timerEntry tracks a scheduled timer
type timerEntry struct {
	id          int64
	timer       *clock.Timer
	scheduledAt time.Time
}

// timerSet holds an episode's named timers. Scheduling a name again replaces its timer.
type timerSet struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[string]*timerEntry
	nextID int64
}

func newTimerSet(clk clock.Clock) *timerSet {
	return &timerSet{clock: clk, timers: make(map[string]*timerEntry)}
}

// scheduleAfter runs fn after delay under the given name.
func (t *timerSet) scheduleAfter(name string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[name]; ok {
		old.timer.Stop()
	}
	t.nextID++
	entry := &timerEntry{id: t.nextID, scheduledAt: t.clock.Now()}
	entry.timer = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		if cur, ok := t.timers[name]; ok && cur.id == entry.id {
			delete(t.timers, name)
		}
		t.mu.Unlock()
		fn()
	})
	t.timers[name] = entry
	slog.Debug("timerSet scheduled", "name", name, "delay", delay)
}

// cancel stops the named timer if it is pending.
func (t *timerSet) cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[name]; ok {
		entry.timer.Stop()
		delete(t.timers, name)
		slog.Debug("timerSet canceled", "name", name)
	}
}

// pending reports whether the named timer is scheduled.
func (t *timerSet) pending(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[name]
	return ok
}

// stop cancels every timer.
func (t *timerSet) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, name)
	}
}
