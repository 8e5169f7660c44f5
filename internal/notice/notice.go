// Package notice keeps the user-visible, non-blocking notices raised while SOSPipe runs.
package notice

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/benbjohnson/clock"
)

// DefaultCapacity is the number of notices kept in memory.
const DefaultCapacity = 200

// Poster is implemented by anything that accepts notices.
type Poster interface {
	Post(kind models.NoticeKind, message string) models.Notice
}

// Board is a bounded in-memory list of notices with push subscriptions.
type Board struct {
	clock    clock.Clock
	capacity int

	mu     sync.RWMutex
	items  []models.Notice
	subs   map[int]func(models.Notice)
	nextID int
}

var _ Poster = (*Board)(nil)

// NewBoard creates a Board. A zero or negative capacity uses DefaultCapacity.
func NewBoard(clk clock.Clock, capacity int) *Board {
	if clk == nil {
		clk = clock.New()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Board{
		clock:    clk,
		capacity: capacity,
		subs:     make(map[int]func(models.Notice)),
	}
}

// Post records a notice and delivers it to subscribers.
func (b *Board) Post(kind models.NoticeKind, message string) models.Notice {
	n := models.Notice{Kind: kind, Message: message, Time: b.clock.Now()}

	b.mu.Lock()
	b.items = append(b.items, n)
	if len(b.items) > b.capacity {
		b.items = b.items[len(b.items)-b.capacity:]
	}
	subs := make([]func(models.Notice), 0, len(b.subs))
	for _, cb := range b.subs {
		subs = append(subs, cb)
	}
	b.mu.Unlock()

	slog.Info("Board.Post: notice", "kind", kind, "message", message)
	for _, cb := range subs {
		cb(n)
	}
	return n
}

// Recent returns up to limit notices, oldest first. A non-positive limit returns all.
func (b *Board) Recent(limit int) []models.Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.items) > limit {
		start = len(b.items) - limit
	}
	out := make([]models.Notice, len(b.items)-start)
	copy(out, b.items[start:])
	return out
}

// Subscribe registers cb for every future notice.
func (b *Board) Subscribe(cb func(models.Notice)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
