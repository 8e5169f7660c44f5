// Package store provides storage backends for SOSPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SOSPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// AddContact appends a contact at the end of the store order. The position is computed
// inside the insert so concurrent writers cannot reuse a slot.
func (s *PostgresStore) AddContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, name, phone, position, created_at)
		 SELECT $1, $2, $3, COALESCE(MAX(position), 0) + 1, $4 FROM contacts`,
		c.ID, c.Name, c.Phone, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore AddContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to insert contact %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore AddContact succeeded", "id", c.ID)
	return nil
}

func (s *PostgresStore) DeleteContact(id string) error {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteContact failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete contact %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrContactNotFound
	}
	slog.Debug("PostgresStore DeleteContact succeeded", "id", id)
	return nil
}

func (s *PostgresStore) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(`SELECT id, name, phone FROM contacts ORDER BY position ASC`)
	if err != nil {
		slog.Error("PostgresStore ListContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			slog.Error("PostgresStore ListContacts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact rows: %w", err)
	}
	return contacts, nil
}

func (s *PostgresStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSetting failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		slog.Error("PostgresStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	slog.Debug("PostgresStore SetSetting succeeded", "key", key)
	return nil
}

func (s *PostgresStore) DeleteSetting(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = $1`, key); err != nil {
		slog.Error("PostgresStore DeleteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) SaveEpisode(rec models.EpisodeRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO episodes (id, trigger_source, started_at, ended_at, active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at, active = EXCLUDED.active`,
		rec.ID, string(rec.TriggerSource), rec.StartedAt, endedAtValue(rec), rec.Active,
	)
	if err != nil {
		slog.Error("PostgresStore SaveEpisode failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to save episode %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore SaveEpisode succeeded", "id", rec.ID, "active", rec.Active)
	return nil
}

func (s *PostgresStore) GetActiveEpisode() (*models.EpisodeRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, trigger_source, started_at, ended_at, active FROM episodes
		 WHERE active = TRUE ORDER BY started_at DESC LIMIT 1`)
	rec, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveEpisode failed", "error", err)
		return nil, fmt.Errorf("failed to read active episode: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListEpisodes(limit int) ([]models.EpisodeRecord, error) {
	query := `SELECT id, trigger_source, started_at, ended_at, active FROM episodes ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListEpisodes query failed", "error", err)
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

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (episode_id, recipient, kind, channel, status, time) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.EpisodeID, r.To, string(r.Kind), nilIfEmpty(r.Channel), string(r.Status), r.Time,
	)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("PostgresStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *PostgresStore) GetReceipts(episodeID string) ([]models.Receipt, error) {
	query := `SELECT episode_id, recipient, kind, channel, status, time FROM receipts`
	var args []interface{}
	if episodeID != "" {
		query += ` WHERE episode_id = $1`
		args = append(args, episodeID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
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
		slog.Error("PostgresStore GetReceipts rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	slog.Debug("PostgresStore GetReceipts succeeded", "count", len(receipts))
	return receipts, nil
}

func (s *PostgresStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM receipts WHERE time < $1`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune receipts: %w", err)
	}
	receipts, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM episodes WHERE active = FALSE AND ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return receipts, fmt.Errorf("failed to prune episodes: %w", err)
	}
	episodes, _ := res.RowsAffected()

	slog.Debug("PostgresStore PruneBefore succeeded", "receipts", receipts, "episodes", episodes)
	return receipts + episodes, nil
}

// ClearAll deletes all rows (for tests).
func (s *PostgresStore) ClearAll() error {
	for _, table := range []string{"receipts", "episodes", "settings", "contacts"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			slog.Error("PostgresStore ClearAll failed", "error", err, "table", table)
			return err
		}
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
