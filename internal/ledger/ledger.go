// Package ledger provides an append-only history of device lifecycle and
// reconciliation outcomes.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventDeviceRegistered      EventType = "device_registered"
	EventDeviceRemoved         EventType = "device_removed"
	EventReconcileCompleted    EventType = "reconcile_completed"
	EventReconcileFailed       EventType = "reconcile_failed"
	EventModeChangeUnsupported EventType = "mode_change_unsupported"
	EventTopologyChanged       EventType = "topology_changed"
	EventCallbackRegistered    EventType = "callback_registered"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        string
	EventType EventType
	Device    string
	Timestamp time.Time
	Payload   map[string]any
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger and returns its id
func (l *Ledger) Append(ctx context.Context, eventType EventType, device string, payload map[string]any) (string, error) {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO event_ledger (id, event_type, device, timestamp, payload) VALUES (?, ?, ?, ?, ?)
	`, id, string(eventType), device, l.now().UTC().Unix(), string(payloadJSON))
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(ctx context.Context, eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, device, timestamp, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetByDevice returns a device's entries, newest first
func (l *Ledger) GetByDevice(ctx context.Context, device string, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, device, timestamp, payload
		FROM event_ledger
		WHERE device = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).Unix()
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.Device, &timestamp, &payloadStr); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
