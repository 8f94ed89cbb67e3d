package ledger

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB initializes the SQLite database and creates the events table if it
// doesn't exist.
func InitDB(dbFile string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		project TEXT NOT NULL,
		url TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		detail TEXT,
		path TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}

// EventRepository is the sqlite-backed append-only ledger. Appends are
// serialized by a single-writer mutex so concurrent completions never
// interleave within one entry.
type EventRepository struct {
	db *sql.DB

	writeMu sync.Mutex
}

func NewEventRepository(dbConn *sql.DB) *EventRepository {
	return &EventRepository{db: dbConn}
}

// Append records one terminal event. Events are never updated or deleted.
func (r *EventRepository) Append(event Event) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO events (timestamp, project, url, outcome, reason, detail, path, duration_ms, bytes, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Project,
		event.URL,
		event.Outcome,
		event.Reason,
		event.Detail,
		event.Path,
		event.Duration.Milliseconds(),
		event.Bytes,
		event.DryRun,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// Recent returns the newest events, most recent first.
func (r *EventRepository) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, timestamp, project, url, outcome, reason, detail, path, duration_ms, bytes, dry_run
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ExportCSV streams the full ledger as CSV, oldest first.
func (r *EventRepository) ExportCSV(w io.Writer) error {
	rows, err := r.db.Query(`
		SELECT id, timestamp, project, url, outcome, reason, detail, path, duration_ms, bytes, dry_run
		FROM events ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "project", "url", "outcome", "reason", "detail", "path", "duration_ms", "bytes"}); err != nil {
		return err
	}

	for _, e := range events {
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Project,
			e.URL,
			e.Outcome,
			e.Reason,
			e.Detail,
			e.Path,
			strconv.FormatInt(e.Duration.Milliseconds(), 10),
			strconv.FormatInt(e.Bytes, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event

	for rows.Next() {
		var (
			event      Event
			ts         string
			durationMS int64
			reason     sql.NullString
			detail     sql.NullString
			path       sql.NullString
		)

		if err := rows.Scan(&event.ID, &ts, &event.Project, &event.URL, &event.Outcome,
			&reason, &detail, &path, &durationMS, &event.Bytes, &event.DryRun); err != nil {
			return nil, err
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil {
			event.Timestamp = parsed
		}

		event.Reason = reason.String
		event.Detail = detail.String
		event.Path = path.String
		event.Duration = time.Duration(durationMS) * time.Millisecond

		events = append(events, event)
	}

	return events, rows.Err()
}
