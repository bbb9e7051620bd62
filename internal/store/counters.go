package store

import (
	"database/sql"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// GetNextChildNumber atomically increments and returns parentID's child
// counter, using the same INSERT ... ON CONFLICT DO UPDATE ... RETURNING
// upsert idiom the teacher relies on for idempotent writes (§5's "mutated
// via an atomic upsert").
func (s *Store) GetNextChildNumber(parentID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		INSERT INTO child_counters (parent_id, n) VALUES (?, 1)
		ON CONFLICT(parent_id) DO UPDATE SET n = n + 1
		RETURNING n
	`, parentID).Scan(&n)
	if err != nil {
		return 0, core.NewError(core.CodeDatabaseError, "store.getNextChildNumber", "increment counter", err)
	}
	return n, nil
}

// AllocateChildID returns "<parentID>.<n>" for an atomically allocated n.
func (s *Store) AllocateChildID(parentID string) (string, error) {
	n, err := s.GetNextChildNumber(parentID)
	if err != nil {
		return "", err
	}
	return core.ChildID(parentID, n), nil
}

// GetChildCounter returns the current counter value without incrementing.
func (s *Store) GetChildCounter(parentID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT n FROM child_counters WHERE parent_id = ?`, parentID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, core.NewError(core.CodeDatabaseError, "store.getChildCounter", "select counter", err)
	}
	return n, nil
}

// ResetChildCounter resets parentID's counter to zero.
func (s *Store) ResetChildCounter(parentID string) error {
	_, err := s.db.Exec(`
		INSERT INTO child_counters (parent_id, n) VALUES (?, 0)
		ON CONFLICT(parent_id) DO UPDATE SET n = 0
	`, parentID)
	if err != nil {
		return core.NewError(core.CodeDatabaseError, "store.resetChildCounter", "reset counter", err)
	}
	return nil
}
