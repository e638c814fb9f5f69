// Package audit persists every rule and policy mutation, trust
// transition and compliance check to a local sqlite database. Events
// from one logical operation share a correlation ID so a policy
// application can be reconstructed rule by rule.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/palisade-fw/palisade/internal/clock"
	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/scheduler"
)

// Outcome values recorded per event.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single audit entry.
type Event struct {
	ID            int64          `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Backend       string         `json:"backend,omitempty"`
	Outcome       string         `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewCorrelationID returns a fresh ID for grouping related events.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Store is the sqlite-backed audit log.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// Open creates or opens the audit store at the given path. A
// retention of zero or less falls back to 90 days.
func Open(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			backend TEXT,
			outcome TEXT NOT NULL,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// Write persists one event. A zero timestamp is filled in.
func (s *Store) Write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = clock.Now()
	}

	var detailsJSON []byte
	if evt.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(evt.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (correlation_id, timestamp, actor, action, resource, backend, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.CorrelationID, evt.Timestamp, evt.Actor, evt.Action, evt.Resource, evt.Backend, evt.Outcome, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Start         time.Time
	End           time.Time
	Action        string
	CorrelationID string
	Limit         int
}

// Query returns events matching the filter, newest first.
func (s *Store) Query(f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, correlation_id, timestamp, actor, action, resource, backend, outcome, details
		FROM audit_events WHERE 1=1`
	var args []any

	if !f.Start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Start)
	}
	if !f.End.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.End)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var correlation, backend, detailsJSON sql.NullString

		err := rows.Scan(&evt.ID, &correlation, &evt.Timestamp, &evt.Actor, &evt.Action,
			&evt.Resource, &backend, &evt.Outcome, &detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		evt.CorrelationID = correlation.String
		evt.Backend = backend.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period and returns
// how many were deleted.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// PruneTask returns the daily retention-pruning task for the
// scheduler.
func (s *Store) PruneTask(logger *logging.Logger) *scheduler.Task {
	return &scheduler.Task{
		ID:       "audit-prune",
		Name:     "Audit log retention pruning",
		Schedule: scheduler.Daily(3, 0),
		Timeout:  5 * time.Minute,
		Func: func(ctx context.Context) error {
			n, err := s.Prune()
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("audit events pruned", "deleted", n, "retention_days", s.retentionDays)
			}
			return nil
		},
	}
}

// Count returns the total number of stored events.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
