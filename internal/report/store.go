// Package report provides PostgreSQL-backed storage for abuse reports.
// The relay never sees plaintext, so a report carries only membership facts:
// who reported, in which room, and why. Moderators act on volume and pattern,
// not content.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ReporterUserID string
	RoomCode       string
	RoomType       string
	Reason         string
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report into PostgreSQL. The reason is validated
// against the allowed set before insertion.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_user_id, room_code, room_type, reason)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterUserID,
		report.RoomCode,
		report.RoomType,
		report.Reason,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a room within the
// given time window. Useful for flagging rooms that draw repeated reports.
func (s *Store) CountRecent(ctx context.Context, roomCode string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE room_code = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, roomCode, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
