// Package history keeps a local SQLite log of every loop event
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mrcode/amaloop/internal/loop"
)

// Record is one logged cycle outcome
type Record struct {
	Seq                int64
	Timestamp          time.Time
	Event              loop.EventType
	Initiator          string
	Kind               string
	Reason             string
	DecisionID         string
	Rate               float64
	Duration           int
	TempBasalRequested bool
	EventualBG         float64
	IOB                float64
	Raw                string
}

// Store is the event log
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes writers
	now  func() time.Time
}

// Open creates or opens the log at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	PRAGMA journal_mode=WAL;
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		event TEXT NOT NULL,
		initiator TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		decision_id TEXT NOT NULL DEFAULT '',
		rate REAL NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL DEFAULT 0,
		temp_basal_requested INTEGER NOT NULL DEFAULT 0,
		eventual_bg REAL NOT NULL DEFAULT 0,
		iob REAL NOT NULL DEFAULT 0,
		raw TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`)
	return err
}

// Notify implements the notification sink
func (s *Store) Notify(event loop.Event) error {
	return s.Append(context.Background(), event)
}

// Append logs an event. Events without a timestamp are stamped now.
func (s *Store) Append(ctx context.Context, event loop.Event) error {
	r := Record{
		Timestamp: event.Timestamp,
		Event:     event.Type,
		Initiator: event.Initiator,
		Kind:      event.Kind,
		Reason:    event.Reason,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	if d := event.Decision; d != nil {
		r.DecisionID = d.ID
		r.Rate = d.Rate
		r.Duration = d.Duration
		r.TempBasalRequested = d.TempBasalRequested
		r.EventualBG = d.EventualBG
		r.Reason = d.Reason
		r.Raw = string(d.Raw)
		if d.IOB != nil {
			r.IOB = d.IOB.IOB
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, event, initiator, kind, reason, decision_id,
			rate, duration, temp_basal_requested, eventual_bg, iob, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), string(r.Event), r.Initiator, r.Kind, r.Reason, r.DecisionID,
		r.Rate, r.Duration, r.TempBasalRequested, r.EventualBG, r.IOB, r.Raw)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, event, initiator, kind, reason, decision_id,
			rate, duration, temp_basal_requested, eventual_bg, iob, raw
		FROM events ORDER BY timestamp DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r     Record
			ts    int64
			event string
		)
		if err := rows.Scan(&r.Seq, &ts, &event, &r.Initiator, &r.Kind, &r.Reason, &r.DecisionID,
			&r.Rate, &r.Duration, &r.TempBasalRequested, &r.EventualBG, &r.IOB, &r.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Event = loop.EventType(event)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes records older than the retention period and returns how
// many were removed
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
