package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// EventArchive is the durable, append-only record of every connect and
// disconnect event. Unlike the in-memory event log it survives restarts
// and is not affected by clear-events requests.
type EventArchive struct {
	mu sync.Mutex
	db *sql.DB
}

// NewEventArchive opens (or creates) <dataDir>/events.db.
func NewEventArchive(dataDir string) (*EventArchive, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "events.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event archive: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to event archive: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ea := &EventArchive{db: db}
	if err := ea.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing event archive schema: %w", err)
	}
	return ea, nil
}

func (ea *EventArchive) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	_, err = ea.db.Exec(string(schema))
	return err
}

// Close closes the underlying database.
func (ea *EventArchive) Close() error {
	return ea.db.Close()
}

// Append stores a batch of events in one transaction.
func (ea *EventArchive) Append(events []model.DeviceEvent) error {
	if len(events) == 0 {
		return nil
	}

	ea.mu.Lock()
	defer ea.mu.Unlock()

	tx, err := ea.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO events (id, ts, kind, name, vid_pid, manufacturer, class, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing archive insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Kind,
			e.Name, e.VIDPID, e.Manufacturer, e.Class, e.DeviceID); err != nil {
			return fmt.Errorf("inserting event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// Recent returns the newest limit events in chronological order.
// A non-positive limit defaults to 100.
func (ea *EventArchive) Recent(limit int) ([]model.DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ea.mu.Lock()
	defer ea.mu.Unlock()

	rows, err := ea.db.Query(`
		SELECT id, ts, kind, name, vid_pid, manufacturer, class, device_id
		FROM events
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var events []model.DeviceEvent
	for rows.Next() {
		var e model.DeviceEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Name, &e.VIDPID,
			&e.Manufacturer, &e.Class, &e.DeviceID); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query, chronological for callers.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// CountForDevice returns how many archived events reference a device.
func (ea *EventArchive) CountForDevice(deviceID string) (int, error) {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	var n int
	err := ea.db.QueryRow(`SELECT COUNT(*) FROM events WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}
