package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEpisode scans an EpisodeRecord from a row.
func scanEpisode(row rowScanner) (models.EpisodeRecord, error) {
	var rec models.EpisodeRecord
	var source string
	var endedAt sql.NullTime
	if err := row.Scan(&rec.ID, &source, &rec.StartedAt, &endedAt, &rec.Active); err != nil {
		return rec, err
	}
	rec.TriggerSource = models.TriggerSource(source)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

// scanReceipt scans a Receipt from sql.Rows.
func scanReceipt(rows *sql.Rows) (models.Receipt, error) {
	var r models.Receipt
	var kind, status string
	var channel sql.NullString
	if err := rows.Scan(&r.EpisodeID, &r.To, &kind, &channel, &status, &r.Time); err != nil {
		return r, fmt.Errorf("scan receipt failed: %w", err)
	}
	r.Kind = models.NotificationKind(kind)
	r.Status = models.MessageStatus(status)
	r.Channel = channel.String
	return r, nil
}

// endedAtValue converts an optional end time to a nullable column value.
func endedAtValue(rec models.EpisodeRecord) interface{} {
	if rec.EndedAt == nil {
		return nil
	}
	return rec.EndedAt.UTC()
}
