// Package audit implements the tamper-evident event log: append-only,
// hash-chained, persisted in sqlite. Each event's hash covers the previous
// event's hash, so any mutation or gap breaks verification.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leash-dev/leash/pkg/canonical"
)

// Genesis is the prev-hash of the first event in the chain.
const Genesis = "GENESIS"

// Event types emitted by the core.
const (
	EventAdminLogin        = "ADMIN_LOGIN"
	EventAgentCreated      = "AGENT_CREATED"
	EventAgentKeyRotated   = "AGENT_KEY_ROTATED"
	EventCapabilityUpdated = "CAPABILITY_UPDATED"
	EventSettingUpdated    = "SETTING_UPDATED"
	EventSafeModeChanged   = "SAFE_MODE_CHANGED"
	EventEmergencyLockdown = "EMERGENCY_LOCKDOWN"
	EventRequestCreated    = "REQUEST_CREATED"
	EventDryRunComplete    = "DRY_RUN_COMPLETE"
	EventPlanDecision      = "PLAN_DECISION"
	EventPlanExecuted      = "PLAN_EXECUTED"
)

var (
	ErrChainBroken = errors.New("audit chain is broken")
)

// Event is one persisted audit record. Data holds the exact canonical
// payload that was hashed, so third parties can re-verify the chain.
type Event struct {
	ID        int64           `json:"id"`
	PrevHash  string          `json:"prevHash"`
	EventHash string          `json:"eventHash"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Log is the append-only audit log. Appends are serialized by a single
// mutex so prev-hash pointers linearize without gaps.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

// NewLog opens the log over db, creating the table if needed.
func NewLog(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prev_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append writes one event. The hash input is
// prevHash || canonicalJSON({eventType, data, timestamp}).
func (l *Log) Append(ctx context.Context, eventType string, data any) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.lastHash(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"eventType": eventType,
		"data":      data,
		"timestamp": canonical.Now(),
	}
	payloadJSON, err := canonical.MarshalString(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}
	eventHash := canonical.HashString(prevHash + payloadJSON)

	now := time.Now().UTC()
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (prev_hash, event_hash, event_type, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		prevHash, eventHash, eventType, payloadJSON, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        id,
		PrevHash:  prevHash,
		EventHash: eventHash,
		EventType: eventType,
		Data:      json.RawMessage(payloadJSON),
		CreatedAt: now,
	}, nil
}

func (l *Log) lastHash(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}

// List returns up to limit events ordered by id descending (newest first).
// A non-empty eventType filters.
func (l *Log) List(ctx context.Context, eventType string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, prev_hash, event_hash, event_type, data, created_at
		FROM audit_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Verify re-walks the whole chain by ascending id: every event's hash must
// recompute from its stored payload, and every prev-hash must point at the
// previous event (or Genesis for the first).
func (l *Log) Verify(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, prev_hash, event_hash, event_type, data, created_at
		 FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	expectedPrev := Genesis
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s, expected %s",
				ErrChainBroken, e.ID, e.PrevHash, expectedPrev)
		}

		var payload any
		if err := json.Unmarshal(e.Data, &payload); err != nil {
			return fmt.Errorf("%w: event %d payload unreadable: %v", ErrChainBroken, e.ID, err)
		}
		payloadJSON, err := canonical.MarshalString(payload)
		if err != nil {
			return fmt.Errorf("%w: event %d payload uncanonicalizable: %v", ErrChainBroken, e.ID, err)
		}
		if computed := canonical.HashString(e.PrevHash + payloadJSON); computed != e.EventHash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.ID, computed, e.EventHash)
		}
		expectedPrev = e.EventHash
	}
	return rows.Err()
}

// Head returns the current chain head hash (Genesis for an empty log).
func (l *Log) Head(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash(ctx)
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		e         Event
		data      string
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.PrevHash, &e.EventHash, &e.EventType, &data, &createdAt); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
