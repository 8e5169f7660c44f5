// Package store provides storage backends for SOSPipe.
//
// It includes an in-memory store and persistent SQLite and PostgreSQL stores for emergency
// contacts, settings, episode history and notification receipts.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Store is the persistence contract shared by all backends.
// Contacts are returned in store order, which is also the escalation order.
type Store interface {
	AddContact(c models.Contact) error
	// DeleteContact removes a contact; it returns models.ErrContactNotFound if the ID is unknown.
	DeleteContact(id string) error
	ListContacts() ([]models.Contact, error)

	// GetSetting returns the value for key and whether it was present.
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error

	// SaveEpisode inserts or updates an episode history record.
	SaveEpisode(rec models.EpisodeRecord) error
	// GetActiveEpisode returns the episode still marked active, or nil.
	GetActiveEpisode() (*models.EpisodeRecord, error)
	// ListEpisodes returns the most recent episodes first.
	ListEpisodes(limit int) ([]models.EpisodeRecord, error)

	AddReceipt(r models.Receipt) error
	// GetReceipts returns receipts for one episode, or all receipts if episodeID is empty.
	GetReceipts(episodeID string) ([]models.Receipt, error)

	// PruneBefore removes receipts and finished episodes older than cutoff.
	PruneBefore(cutoff time.Time) (int64, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name matching the DSN: "postgres" for
// PostgreSQL URLs or keyword/value strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store matching the configured DSN, or an in-memory store if none is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.New: no DSN configured, contacts will not survive a restart")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// InMemoryStore is a simple in-memory store, used in tests and when no database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	contacts []models.Contact
	settings map[string]string
	episodes map[string]models.EpisodeRecord
	receipts []models.Receipt
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		settings: make(map[string]string),
		episodes: make(map[string]models.EpisodeRecord),
	}
}

func (s *InMemoryStore) AddContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append(s.contacts, c)
	return nil
}

func (s *InMemoryStore) DeleteContact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.contacts {
		if c.ID == id {
			s.contacts = append(s.contacts[:i:i], s.contacts[i+1:]...)
			return nil
		}
	}
	return models.ErrContactNotFound
}

func (s *InMemoryStore) ListContacts() ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, len(s.contacts))
	copy(out, s.contacts)
	return out, nil
}

func (s *InMemoryStore) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

func (s *InMemoryStore) SaveEpisode(rec models.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetActiveEpisode() (*models.EpisodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.EpisodeRecord
	for _, rec := range s.episodes {
		if !rec.Active {
			continue
		}
		if latest == nil || rec.StartedAt.After(latest.StartedAt) {
			r := rec
			latest = &r
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListEpisodes(limit int) ([]models.EpisodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.EpisodeRecord, 0, len(s.episodes))
	for _, rec := range s.episodes {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(episodeID string) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Receipt
	for _, r := range s.receipts {
		if episodeID == "" || r.EpisodeID == episodeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PruneBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.receipts[:0]
	for _, r := range s.receipts {
		if r.Time < cutoff.Unix() {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.receipts = kept
	for id, rec := range s.episodes {
		if !rec.Active && rec.EndedAt != nil && rec.EndedAt.Before(cutoff) {
			delete(s.episodes, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
