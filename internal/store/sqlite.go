// Package store provides storage backends for SOSPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/SOSPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and keeps the contact order consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, name, phone, position, created_at)
		 SELECT ?, ?, ?, COALESCE(MAX(position), 0) + 1, ? FROM contacts`,
		c.ID, c.Name, c.Phone, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore AddContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to insert contact %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore AddContact succeeded", "id", c.ID)
	return nil
}

func (s *SQLiteStore) DeleteContact(id string) error {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteContact failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete contact %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrContactNotFound
	}
	slog.Debug("SQLiteStore DeleteContact succeeded", "id", id)
	return nil
}

func (s *SQLiteStore) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT id, name, phone FROM contacts ORDER BY position ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			slog.Error("SQLiteStore ListContacts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact rows: %w", err)
	}
	return contacts, nil
}

func (s *SQLiteStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSetting failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		slog.Error("SQLiteStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	slog.Debug("SQLiteStore SetSetting succeeded", "key", key)
	return nil
}

func (s *SQLiteStore) DeleteSetting(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		slog.Error("SQLiteStore DeleteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) SaveEpisode(rec models.EpisodeRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO episodes (id, trigger_source, started_at, ended_at, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ended_at = excluded.ended_at, active = excluded.active`,
		rec.ID, string(rec.TriggerSource), rec.StartedAt.UTC(), endedAtValue(rec), rec.Active,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveEpisode failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to save episode %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore SaveEpisode succeeded", "id", rec.ID, "active", rec.Active)
	return nil
}

func (s *SQLiteStore) GetActiveEpisode() (*models.EpisodeRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, trigger_source, started_at, ended_at, active FROM episodes
		 WHERE active = 1 ORDER BY started_at DESC LIMIT 1`)
	rec, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveEpisode failed", "error", err)
		return nil, fmt.Errorf("failed to read active episode: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListEpisodes(limit int) ([]models.EpisodeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, trigger_source, started_at, ended_at, active FROM episodes
		 ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListEpisodes query failed", "error", err)
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []models.EpisodeRecord
	for rows.Next() {
		rec, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate episode rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (episode_id, recipient, kind, channel, status, time) VALUES (?, ?, ?, ?, ?, ?)`,
		r.EpisodeID, r.To, string(r.Kind), nilIfEmpty(r.Channel), string(r.Status), r.Time,
	)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts(episodeID string) ([]models.Receipt, error) {
	query := `SELECT episode_id, recipient, kind, channel, status, time FROM receipts`
	var args []interface{}
	if episodeID != "" {
		query += ` WHERE episode_id = ?`
		args = append(args, episodeID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetReceipts rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	slog.Debug("SQLiteStore GetReceipts succeeded", "count", len(receipts))
	return receipts, nil
}

func (s *SQLiteStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM receipts WHERE time < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune receipts: %w", err)
	}
	receipts, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM episodes WHERE active = 0 AND ended_at IS NOT NULL AND ended_at < ?`, cutoff.UTC())
	if err != nil {
		return receipts, fmt.Errorf("failed to prune episodes: %w", err)
	}
	episodes, _ := res.RowsAffected()

	slog.Debug("SQLiteStore PruneBefore succeeded", "receipts", receipts, "episodes", episodes)
	return receipts + episodes, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
