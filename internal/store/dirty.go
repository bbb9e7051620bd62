package store

import (
	"database/sql"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// markDirtyTx marks an element dirty inside an in-flight transaction;
// implicit on every mutation (§4.1, §3's dirty set).
func markDirtyTx(tx *sql.Tx, elementID string) error {
	_, err := tx.Exec(`
		INSERT INTO dirty_elements (element_id, marked_at) VALUES (?, ?)
		ON CONFLICT(element_id) DO UPDATE SET marked_at = excluded.marked_at
	`, elementID, timeNow())
	if err != nil {
		return core.NewError(core.CodeDatabaseError, "store.markDirty", "upsert dirty", err)
	}
	return nil
}

// MarkDirty is the public, non-transactional entry point.
func (s *Store) MarkDirty(elementID string) error {
	return s.withTx(func(tx *sql.Tx) error { return markDirtyTx(tx, elementID) })
}

// DirtyElement pairs an element id with when it was marked dirty.
type DirtyElement struct {
	ElementID string
	MarkedAt  string
}

// GetDirtyElements returns every dirty element id, oldest-marked first.
func (s *Store) GetDirtyElements() ([]DirtyElement, error) {
	rows, err := s.db.Query(`SELECT element_id, marked_at FROM dirty_elements ORDER BY marked_at`)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getDirtyElements", "query", err)
	}
	defer rows.Close()

	var out []DirtyElement
	for rows.Next() {
		var d DirtyElement
		if err := rows.Scan(&d.ElementID, &d.MarkedAt); err != nil {
			return nil, core.NewError(core.CodeDatabaseError, "store.getDirtyElements", "scan", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ClearDirty empties the entire dirty set (drained by export).
func (s *Store) ClearDirty() error {
	_, err := s.db.Exec(`DELETE FROM dirty_elements`)
	if err != nil {
		return core.NewError(core.CodeDatabaseError, "store.clearDirty", "delete all", err)
	}
	return nil
}

// ClearDirtyElements removes specific ids from the dirty set.
func (s *Store) ClearDirtyElements(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`DELETE FROM dirty_elements WHERE element_id = ?`)
		if err != nil {
			return core.NewError(core.CodeDatabaseError, "store.clearDirtyElements", "prepare", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return core.NewError(core.CodeDatabaseError, "store.clearDirtyElements", "delete", err)
			}
		}
		return nil
	})
}

// GetElementCount returns the total number of element rows.
func (s *Store) GetElementCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM elements`).Scan(&n); err != nil {
		return 0, core.NewError(core.CodeDatabaseError, "store.getElementCount", "count", err)
	}
	return n, nil
}

// Stats is a coarse summary of store contents.
type Stats struct {
	TotalElements    int64
	TotalDependencies int64
	TotalEvents      int64
	ByType           map[core.ElementType]int64
}

// GetStats returns a coarse summary of store contents.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{ByType: make(map[core.ElementType]int64)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM elements`).Scan(&stats.TotalElements); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getStats", "count elements", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dependencies`).Scan(&stats.TotalDependencies); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getStats", "count dependencies", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&stats.TotalEvents); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getStats", "count events", err)
	}

	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM elements GROUP BY type`)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getStats", "group by type", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t core.ElementType
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, core.NewError(core.CodeDatabaseError, "store.getStats", "scan group", err)
		}
		stats.ByType[t] = n
	}
	return stats, nil
}
