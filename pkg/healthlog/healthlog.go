// Package healthlog persists quarantine, rate-limit, overload, and
// invalidation events to SQLite so the admin statistics surface can answer
// "how often has X happened" without replaying in-memory pool/registry
// state.
package healthlog

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/claude-fleet/proxy/pkg/models"
)

// Log records health events in a dedicated SQLite database.
type Log struct {
	db *sql.DB
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS health_events (
	kind       TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	reason     TEXT NOT NULL,
	until_time DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createEventsIndex = `CREATE INDEX IF NOT EXISTS idx_health_events_kind_entity ON health_events(kind, entity_id);`

// Open creates or opens the health log database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open health log: %w", err)
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate health log: %w", err)
	}
	if _, err := db.Exec(createEventsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate health log: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends a health event.
func (l *Log) Record(ev models.HealthEvent) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.Exec(
		`INSERT INTO health_events (kind, entity_id, reason, until_time, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Kind, ev.EntityID, ev.Reason, ev.UntilTime, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record health event: %w", err)
	}
	return nil
}

// Stats returns aggregate event counts grouped by kind and entity.
func (l *Log) Stats() ([]models.HealthEventStats, error) {
	rows, err := l.db.Query(
		`SELECT kind, entity_id, COUNT(*) AS cnt
		 FROM health_events GROUP BY kind, entity_id ORDER BY cnt DESC`)
	if err != nil {
		return nil, fmt.Errorf("health log stats: %w", err)
	}
	defer rows.Close()

	var stats []models.HealthEventStats
	for rows.Next() {
		var s models.HealthEventStats
		if err := rows.Scan(&s.Kind, &s.EntityID, &s.Count); err != nil {
			return nil, fmt.Errorf("scan health event stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Recent returns the most recent events, newest first, capped at limit.
func (l *Log) Recent(limit int) ([]models.HealthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(
		`SELECT kind, entity_id, reason, until_time, created_at
		 FROM health_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("health log recent: %w", err)
	}
	defer rows.Close()

	var events []models.HealthEvent
	for rows.Next() {
		var ev models.HealthEvent
		var until sql.NullTime
		if err := rows.Scan(&ev.Kind, &ev.EntityID, &ev.Reason, &until, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan health event: %w", err)
		}
		if until.Valid {
			ev.UntilTime = &until.Time
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the database connection.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
