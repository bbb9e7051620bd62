package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// row is the on-disk shape of one elements table record: the base Element
// fields plus a type-specific JSON payload, the same envelope idiom the
// teacher uses per-table (typed columns + a metadata JSON blob), generalized
// here across every element type in one table.
type row struct {
	el     core.Element
	status string
	data   json.RawMessage
}

// Create inserts a new element row. If el.ID is empty one is allocated.
// Mirrors §4.1 create(): allocate id if absent, write row, mark dirty, emit
// a "created" event.
func (s *Store) Create(el *core.Element, payload interface{}, actor string) error {
	if el.ID == "" {
		el.ID = core.NewElementID()
	}
	now := timeNow()
	el.CreatedAt = now
	el.UpdatedAt = now

	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewError(core.CodeInvalidInput, "store.create", "marshal payload", err)
	}
	tags, _ := json.Marshal(el.Tags)
	meta, _ := json.Marshal(el.Metadata)

	status, scheduledFor, assignee := extractQueryFields(payload)

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO elements (id, type, status, created_at, updated_at, created_by, tags, metadata, data, scheduled_for, assignee)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, el.ID, el.Type, status, el.CreatedAt, el.UpdatedAt, el.CreatedBy,
			string(tags), string(meta), string(data), nullTime(scheduledFor), nullString(assignee))
		if err != nil {
			if isUniqueViolation(err) {
				return core.NewErrorf(core.CodeAlreadyExists, "store.create", "element %s already exists", el.ID)
			}
			return core.NewError(core.CodeDatabaseError, "store.create", "insert element", err)
		}
		if err := markDirtyTx(tx, el.ID); err != nil {
			return err
		}
		return appendEventTx(tx, el.ID, core.EventCreated, actor, nil, payload)
	})
}

// Get retrieves an element's base fields and raw payload by id.
func (s *Store) Get(id string) (*core.Element, json.RawMessage, error) {
	r := s.db.QueryRow(`
		SELECT id, type, created_at, updated_at, created_by, tags, metadata, data
		FROM elements WHERE id = ?
	`, id)
	return scanElement(r)
}

// ElementType returns the stored type tag for id without decoding its
// payload, so callers that only need to dispatch on type (e.g. resolving a
// parent-child blocker to workflow vs. plan vs. task) avoid an unmarshal
// into the wrong concrete struct.
func (s *Store) ElementType(id string) (core.ElementType, bool) {
	var t core.ElementType
	if err := s.db.QueryRow(`SELECT type FROM elements WHERE id = ?`, id).Scan(&t); err != nil {
		return "", false
	}
	return t, true
}

// Update merges patch into the stored payload (patch is a map because the
// core treats metadata/payload as a dynamic JSON value, §9). Fails NOT_FOUND
// if absent. Emits "updated" with the old/new diff.
func (s *Store) Update(id string, patch map[string]interface{}, actor string) (*core.Element, json.RawMessage, error) {
	var result *core.Element
	var resultData json.RawMessage

	err := s.withTx(func(tx *sql.Tx) error {
		var el core.Element
		var tagsRaw, metaRaw sql.NullString
		var data json.RawMessage
		row := tx.QueryRow(`SELECT id, type, created_at, updated_at, created_by, tags, metadata, data FROM elements WHERE id = ?`, id)
		if err := row.Scan(&el.ID, &el.Type, &el.CreatedAt, &el.UpdatedAt, &el.CreatedBy, &tagsRaw, &metaRaw, &data); err != nil {
			if err == sql.ErrNoRows {
				return core.NewErrorf(core.CodeNotFound, "store.update", "element %s not found", id)
			}
			return core.NewError(core.CodeDatabaseError, "store.update", "select element", err)
		}
		if tagsRaw.Valid {
			json.Unmarshal([]byte(tagsRaw.String), &el.Tags)
		}
		if metaRaw.Valid {
			json.Unmarshal([]byte(metaRaw.String), &el.Metadata)
		}

		var merged map[string]interface{}
		oldValue := map[string]interface{}{}
		if len(data) > 0 {
			json.Unmarshal(data, &merged)
			json.Unmarshal(data, &oldValue)
		}
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range patch {
			merged[k] = v
		}
		if raw, err := json.Marshal(merged["metadata"]); err == nil {
			el.Metadata = nil
			json.Unmarshal(raw, &el.Metadata)
		}
		metaJSON, _ := json.Marshal(el.Metadata)

		newData, err := json.Marshal(merged)
		if err != nil {
			return core.NewError(core.CodeInvalidInput, "store.update", "marshal merged payload", err)
		}

		el.UpdatedAt = timeNow()
		status, scheduledFor, assignee := extractQueryFields(merged)

		_, err = tx.Exec(`
			UPDATE elements SET data = ?, metadata = ?, updated_at = ?, status = ?, scheduled_for = ?, assignee = ?
			WHERE id = ?
		`, string(newData), string(metaJSON), el.UpdatedAt, status, nullTime(scheduledFor), nullString(assignee), id)
		if err != nil {
			return core.NewError(core.CodeDatabaseError, "store.update", "update element", err)
		}

		if err := markDirtyTx(tx, id); err != nil {
			return err
		}
		if err := appendEventTx(tx, id, core.EventUpdated, actor, oldValue, merged); err != nil {
			return err
		}

		result = &el
		resultData = newData
		return nil
	})
	return result, resultData, err
}

// UpdateIfAssignee merges patch into id's payload only if the row's current
// assignee column equals expectedAssignee, as a single conditional UPDATE -
// the atomic compare-and-swap primitive claim-from-team races need (§4.5,
// §8 invariant 7) without a separate read-then-write round trip. Fails
// ALREADY_ASSIGNED if the row's assignee had already changed.
func (s *Store) UpdateIfAssignee(id, expectedAssignee string, patch map[string]interface{}, actor string) (*core.Element, json.RawMessage, error) {
	var result *core.Element
	var resultData json.RawMessage

	err := s.withTx(func(tx *sql.Tx) error {
		var el core.Element
		var tagsRaw, metaRaw sql.NullString
		var data json.RawMessage
		var assignee sql.NullString
		row := tx.QueryRow(`SELECT id, type, created_at, updated_at, created_by, tags, metadata, data, assignee FROM elements WHERE id = ?`, id)
		if err := row.Scan(&el.ID, &el.Type, &el.CreatedAt, &el.UpdatedAt, &el.CreatedBy, &tagsRaw, &metaRaw, &data, &assignee); err != nil {
			if err == sql.ErrNoRows {
				return core.NewErrorf(core.CodeNotFound, "store.updateIfAssignee", "element %s not found", id)
			}
			return core.NewError(core.CodeDatabaseError, "store.updateIfAssignee", "select element", err)
		}
		if assignee.String != expectedAssignee {
			return core.NewErrorf(core.CodeAlreadyAssigned, "store.updateIfAssignee",
				"element %s assignee changed (expected %s, found %s)", id, expectedAssignee, assignee.String)
		}
		if tagsRaw.Valid {
			json.Unmarshal([]byte(tagsRaw.String), &el.Tags)
		}
		if metaRaw.Valid {
			json.Unmarshal([]byte(metaRaw.String), &el.Metadata)
		}

		var merged map[string]interface{}
		oldValue := map[string]interface{}{}
		if len(data) > 0 {
			json.Unmarshal(data, &merged)
			json.Unmarshal(data, &oldValue)
		}
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range patch {
			merged[k] = v
		}
		if raw, err := json.Marshal(merged["metadata"]); err == nil {
			el.Metadata = nil
			json.Unmarshal(raw, &el.Metadata)
		}
		metaJSON, _ := json.Marshal(el.Metadata)

		newData, err := json.Marshal(merged)
		if err != nil {
			return core.NewError(core.CodeInvalidInput, "store.updateIfAssignee", "marshal merged payload", err)
		}

		el.UpdatedAt = timeNow()
		status, scheduledFor, newAssignee := extractQueryFields(merged)

		res, err := tx.Exec(`
			UPDATE elements SET data = ?, metadata = ?, updated_at = ?, status = ?, scheduled_for = ?, assignee = ?
			WHERE id = ? AND assignee IS ?
		`, string(newData), string(metaJSON), el.UpdatedAt, status, nullTime(scheduledFor), nullString(newAssignee), id, nullString(expectedAssignee))
		if err != nil {
			return core.NewError(core.CodeDatabaseError, "store.updateIfAssignee", "update element", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.NewErrorf(core.CodeAlreadyAssigned, "store.updateIfAssignee",
				"element %s assignee changed concurrently", id)
		}

		if err := markDirtyTx(tx, id); err != nil {
			return err
		}
		if err := appendEventTx(tx, id, core.EventUpdated, actor, oldValue, merged); err != nil {
			return err
		}

		result = &el
		resultData = newData
		return nil
	})
	return result, resultData, err
}

// Delete cascades: removes every dependency referencing id on either side,
// then the element row, emitting a "deleted" event (§4.1, §3's delete
// invariant).
func (s *Store) Delete(id, actor, reason string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM elements WHERE id = ?`, id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return core.NewErrorf(core.CodeNotFound, "store.delete", "element %s not found", id)
			}
			return core.NewError(core.CodeDatabaseError, "store.delete", "select element", err)
		}

		if _, err := tx.Exec(`DELETE FROM dependencies WHERE blocked_id = ? OR blocker_id = ?`, id, id); err != nil {
			return core.NewError(core.CodeDatabaseError, "store.delete", "delete dependencies", err)
		}
		if _, err := tx.Exec(`DELETE FROM elements WHERE id = ?`, id); err != nil {
			return core.NewError(core.CodeDatabaseError, "store.delete", "delete element", err)
		}
		if _, err := tx.Exec(`DELETE FROM dirty_elements WHERE element_id = ?`, id); err != nil {
			return core.NewError(core.CodeDatabaseError, "store.delete", "clear dirty", err)
		}

		detail := map[string]interface{}{"reason": reason}
		return appendEventTx(tx, id, core.EventDeleted, actor, nil, detail)
	})
}

// List returns elements matching filter, oldest first by created_at.
func (s *Store) List(filter core.Filter) ([]*core.Element, []json.RawMessage, error) {
	query := `SELECT id, type, created_at, updated_at, created_by, tags, metadata, data FROM elements WHERE 1=1`
	var args []interface{}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, core.NewError(core.CodeDatabaseError, "store.list", "query elements", err)
	}
	defer rows.Close()

	var elements []*core.Element
	var datas []json.RawMessage
	for rows.Next() {
		var el core.Element
		var tagsRaw, metaRaw sql.NullString
		var data json.RawMessage
		if err := rows.Scan(&el.ID, &el.Type, &el.CreatedAt, &el.UpdatedAt, &el.CreatedBy, &tagsRaw, &metaRaw, &data); err != nil {
			return nil, nil, core.NewError(core.CodeDatabaseError, "store.list", "scan element", err)
		}
		if tagsRaw.Valid {
			json.Unmarshal([]byte(tagsRaw.String), &el.Tags)
		}
		if metaRaw.Valid {
			json.Unmarshal([]byte(metaRaw.String), &el.Metadata)
		}
		if hasTags(filter) && !containsAllTags(el.Tags, filter.Tags) {
			continue
		}
		elements = append(elements, &el)
		datas = append(datas, data)
	}
	return elements, datas, nil
}

func containsAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func hasTags(f core.Filter) bool { return len(f.Tags) > 0 }

func scanElement(r *sql.Row) (*core.Element, json.RawMessage, error) {
	var el core.Element
	var tagsRaw, metaRaw sql.NullString
	var data json.RawMessage
	err := r.Scan(&el.ID, &el.Type, &el.CreatedAt, &el.UpdatedAt, &el.CreatedBy, &tagsRaw, &metaRaw, &data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, core.NewErrorf(core.CodeNotFound, "store.get", "element not found")
		}
		return nil, nil, core.NewError(core.CodeDatabaseError, "store.get", "select element", err)
	}
	if tagsRaw.Valid {
		json.Unmarshal([]byte(tagsRaw.String), &el.Tags)
	}
	if metaRaw.Valid {
		json.Unmarshal([]byte(metaRaw.String), &el.Metadata)
	}
	return &el, data, nil
}

// extractQueryFields pulls the few payload fields worth a denormalized
// column out of an arbitrary payload (struct or map), tolerating whichever
// shape is given the way the teacher's scan helpers tolerate malformed JSON
// by logging and continuing rather than failing the whole row.
func extractQueryFields(payload interface{}) (status string, scheduledFor *time.Time, assignee string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil, ""
	}
	if v, ok := m["status"].(string); ok {
		status = v
	}
	if v, ok := m["assignee"].(string); ok {
		assignee = v
	}
	if v, ok := m["scheduledFor"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			scheduledFor = &t
		}
	}
	return
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeNow() time.Time { return time.Now().UTC() }

func isUniqueViolation(err error) bool {
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint") || containsFold(err.Error(), "PRIMARY KEY"))
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if eqFold(s[i:i+len(substr)], substr) {
				return true
			}
		}
		return false
	})()
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
