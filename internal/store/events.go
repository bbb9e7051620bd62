package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// appendEventTx writes one audit-event row inside an in-flight transaction -
// every mutating store operation calls this so the event trail truly is the
// source of truth for history (§3), not a best-effort side channel.
func appendEventTx(tx *sql.Tx, elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error {
	oldJSON, _ := json.Marshal(oldValue)
	newJSON, _ := json.Marshal(newValue)

	_, err := tx.Exec(`
		INSERT INTO events (id, element_id, event_type, actor, old_value, new_value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), elementID, eventType, actor, string(oldJSON), string(newJSON), timeNow())
	if err != nil {
		return core.NewError(core.CodeDatabaseError, "store.appendEvent", "insert event", err)
	}
	return nil
}

// AppendEvent is the public, non-transactional entry point for callers
// outside a Store-owned transaction (e.g. the dispatch daemon recording
// task-dispatched after composing several store calls).
func (s *Store) AppendEvent(elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error {
	return s.withTx(func(tx *sql.Tx) error {
		return appendEventTx(tx, elementID, eventType, actor, oldValue, newValue)
	})
}

// ListEvents returns the audit trail for one element, oldest first.
func (s *Store) ListEvents(elementID string) ([]core.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, element_id, event_type, actor, old_value, new_value, timestamp
		FROM events WHERE element_id = ? ORDER BY timestamp
	`, elementID)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.listEvents", "query", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		var actor sql.NullString
		var oldRaw, newRaw sql.NullString
		if err := rows.Scan(&e.ID, &e.ElementID, &e.EventType, &actor, &oldRaw, &newRaw, &e.Timestamp); err != nil {
			return nil, core.NewError(core.CodeDatabaseError, "store.listEvents", "scan", err)
		}
		e.Actor = actor.String
		if oldRaw.Valid && oldRaw.String != "" && oldRaw.String != "null" {
			json.Unmarshal([]byte(oldRaw.String), &e.OldValue)
		}
		if newRaw.Valid && newRaw.String != "" && newRaw.String != "null" {
			json.Unmarshal([]byte(newRaw.String), &e.NewValue)
		}
		events = append(events, e)
	}
	return events, nil
}

// ListEventsSince returns every event across all elements with timestamp
// strictly after `since`, ascending - used by drain-completed-sessions (§4.9
// step 6) to detect a closed-task event in a session's exit trail.
func (s *Store) ListEventsSince(since time.Time) ([]core.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, element_id, event_type, actor, old_value, new_value, timestamp
		FROM events WHERE timestamp > ? ORDER BY timestamp
	`, since)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.listEventsSince", "query", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		var actor sql.NullString
		var oldRaw, newRaw sql.NullString
		if err := rows.Scan(&e.ID, &e.ElementID, &e.EventType, &actor, &oldRaw, &newRaw, &e.Timestamp); err != nil {
			return nil, core.NewError(core.CodeDatabaseError, "store.listEventsSince", "scan", err)
		}
		e.Actor = actor.String
		if oldRaw.Valid && oldRaw.String != "" && oldRaw.String != "null" {
			json.Unmarshal([]byte(oldRaw.String), &e.OldValue)
		}
		if newRaw.Valid && newRaw.String != "" && newRaw.String != "null" {
			json.Unmarshal([]byte(newRaw.String), &e.NewValue)
		}
		events = append(events, e)
	}
	return events, nil
}
