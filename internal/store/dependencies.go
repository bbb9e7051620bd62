package store

import (
	"database/sql"
	"encoding/json"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// AddDependency inserts an edge, canonicalizing relates-to as min(a,b) (§3).
// Cycle detection over blocking edges is the caller's responsibility
// (internal/graph) - this is the raw storage primitive only.
func (s *Store) AddDependency(d core.Dependency) error {
	blockedID, blockerID := d.BlockedID, d.BlockerID
	if d.Type == core.DepRelatesTo && blockerID < blockedID {
		blockedID, blockerID = blockerID, blockedID
	}

	meta, _ := json.Marshal(d.Metadata)

	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?`,
			blockedID, blockerID, d.Type).Scan(&exists)
		if err == nil {
			return core.NewErrorf(core.CodeDuplicateDependency, "store.addDependency",
				"dependency (%s, %s, %s) already exists", blockedID, blockerID, d.Type)
		}
		if err != sql.ErrNoRows {
			return core.NewError(core.CodeDatabaseError, "store.addDependency", "check existing", err)
		}

		_, err = tx.Exec(`
			INSERT INTO dependencies (blocked_id, blocker_id, type, created_at, created_by, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`, blockedID, blockerID, d.Type, d.CreatedAt, d.CreatedBy, string(meta))
		if err != nil {
			return core.NewError(core.CodeDatabaseError, "store.addDependency", "insert dependency", err)
		}

		payload := map[string]interface{}{"blockedId": blockedID, "blockerId": blockerID, "type": string(d.Type)}
		return appendEventTx(tx, blockedID, core.EventDependencyAdded, d.CreatedBy, nil, payload)
	})
}

// RemoveDependency deletes an edge; idempotent-failure NOT_FOUND if absent.
func (s *Store) RemoveDependency(blockedID, blockerID string, depType core.DependencyType, actor string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?`,
			blockedID, blockerID, depType)
		if err != nil {
			return core.NewError(core.CodeDatabaseError, "store.removeDependency", "delete dependency", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.NewErrorf(core.CodeNotFound, "store.removeDependency", "dependency (%s, %s, %s) not found", blockedID, blockerID, depType)
		}
		payload := map[string]interface{}{"blockedId": blockedID, "blockerId": blockerID, "type": string(depType)}
		return appendEventTx(tx, blockedID, core.EventDependencyRemoved, actor, payload, nil)
	})
}

// GetDependencies returns edges where id is the blocked side (its blockers),
// optionally filtered by type.
func (s *Store) GetDependencies(id string, depType core.DependencyType) ([]core.Dependency, error) {
	return s.queryDependencies(`blocked_id = ?`, id, depType)
}

// GetDependents returns edges where id is the blocker side (who it blocks),
// optionally filtered by type.
func (s *Store) GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error) {
	return s.queryDependencies(`blocker_id = ?`, id, depType)
}

// GetRelatedTo returns relates-to edges touching id on either side.
func (s *Store) GetRelatedTo(id string) ([]core.Dependency, error) {
	rows, err := s.db.Query(`
		SELECT blocked_id, blocker_id, type, created_at, created_by, metadata
		FROM dependencies WHERE type = ? AND (blocked_id = ? OR blocker_id = ?)
	`, core.DepRelatesTo, id, id)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getRelatedTo", "query", err)
	}
	defer rows.Close()
	return scanDependencies(rows)
}

func (s *Store) queryDependencies(whereCol string, id string, depType core.DependencyType) ([]core.Dependency, error) {
	query := `SELECT blocked_id, blocker_id, type, created_at, created_by, metadata FROM dependencies WHERE ` + whereCol
	args := []interface{}{id}
	if depType != "" {
		query += ` AND type = ?`
		args = append(args, depType)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.queryDependencies", "query", err)
	}
	defer rows.Close()
	return scanDependencies(rows)
}

func scanDependencies(rows *sql.Rows) ([]core.Dependency, error) {
	var deps []core.Dependency
	for rows.Next() {
		var d core.Dependency
		var createdBy sql.NullString
		var meta sql.NullString
		if err := rows.Scan(&d.BlockedID, &d.BlockerID, &d.Type, &d.CreatedAt, &createdBy, &meta); err != nil {
			return nil, core.NewError(core.CodeDatabaseError, "store.scanDependencies", "scan", err)
		}
		d.CreatedBy = createdBy.String
		if meta.Valid && meta.String != "" {
			json.Unmarshal([]byte(meta.String), &d.Metadata)
		}
		deps = append(deps, d)
	}
	return deps, nil
}
