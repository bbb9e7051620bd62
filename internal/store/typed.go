package store

import (
	"encoding/json"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Typed helpers decode/encode the generic Element+payload envelope into the
// concrete structs other packages want to work with, so callers outside
// this package never touch json.RawMessage directly.

// CreateTask persists a new task element.
func (s *Store) CreateTask(t *core.Task, actor string) error {
	t.Type = core.ElementTask
	return s.Create(&t.Element, t, actor)
}

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*core.Task, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var t core.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getTask", "unmarshal task", err)
	}
	t.Element = *el
	return &t, nil
}

// UpdateTask merges patch fields into a task and returns the merged record.
func (s *Store) UpdateTask(id string, patch map[string]interface{}, actor string) (*core.Task, error) {
	el, data, err := s.Update(id, patch, actor)
	if err != nil {
		return nil, err
	}
	var t core.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.updateTask", "unmarshal task", err)
	}
	t.Element = *el
	return &t, nil
}

// ClaimTask atomically reassigns a task from expectedAssignee to claimant,
// merging extra patch fields (e.g. metadata.claimedFromTeam) in the same
// write. Fails ALREADY_ASSIGNED if the task's assignee had already changed.
func (s *Store) ClaimTask(id, expectedAssignee, claimant string, extra map[string]interface{}, actor string) (*core.Task, error) {
	patch := map[string]interface{}{"assignee": claimant}
	for k, v := range extra {
		patch[k] = v
	}
	el, data, err := s.UpdateIfAssignee(id, expectedAssignee, patch, actor)
	if err != nil {
		return nil, err
	}
	var t core.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.claimTask", "unmarshal task", err)
	}
	t.Element = *el
	return &t, nil
}

// ListTasks returns every task element, optionally filtered by status.
func (s *Store) ListTasks(status core.TaskStatus) ([]*core.Task, error) {
	filter := core.Filter{Type: core.ElementTask}
	if status != "" {
		filter.Status = string(status)
	}
	els, datas, err := s.List(filter)
	if err != nil {
		return nil, err
	}
	tasks := make([]*core.Task, 0, len(els))
	for i, el := range els {
		var t core.Task
		if err := json.Unmarshal(datas[i], &t); err != nil {
			continue
		}
		t.Element = *el
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// CreateWorkflow persists a new workflow element.
func (s *Store) CreateWorkflow(w *core.Workflow, actor string) error {
	w.Type = core.ElementWorkflow
	return s.Create(&w.Element, w, actor)
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(id string) (*core.Workflow, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var w core.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getWorkflow", "unmarshal workflow", err)
	}
	w.Element = *el
	return &w, nil
}

// UpdateWorkflow merges patch fields into a workflow.
func (s *Store) UpdateWorkflow(id string, patch map[string]interface{}, actor string) (*core.Workflow, error) {
	el, data, err := s.Update(id, patch, actor)
	if err != nil {
		return nil, err
	}
	var w core.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.updateWorkflow", "unmarshal workflow", err)
	}
	w.Element = *el
	return &w, nil
}

// ListWorkflows returns every workflow element, the same fetch-all-then-
// filter-in-Go shape as ListEntities - workflow queries are infrequent
// relative to tasks, so no denormalized status/ephemeral columns exist.
func (s *Store) ListWorkflows() ([]*core.Workflow, error) {
	els, datas, err := s.List(core.Filter{Type: core.ElementWorkflow})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Workflow, 0, len(els))
	for i, el := range els {
		var w core.Workflow
		if err := json.Unmarshal(datas[i], &w); err != nil {
			continue
		}
		w.Element = *el
		out = append(out, &w)
	}
	return out, nil
}

// CreatePlan persists a new plan element.
func (s *Store) CreatePlan(p *core.Plan, actor string) error {
	p.Type = core.ElementPlan
	return s.Create(&p.Element, p, actor)
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(id string) (*core.Plan, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var p core.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getPlan", "unmarshal plan", err)
	}
	p.Element = *el
	return &p, nil
}

// UpdatePlan merges patch fields into a plan.
func (s *Store) UpdatePlan(id string, patch map[string]interface{}, actor string) (*core.Plan, error) {
	el, data, err := s.Update(id, patch, actor)
	if err != nil {
		return nil, err
	}
	var p core.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.updatePlan", "unmarshal plan", err)
	}
	p.Element = *el
	return &p, nil
}

// CreateEntity persists a new entity element.
func (s *Store) CreateEntity(e *core.Entity, actor string) error {
	e.Type = core.ElementEntity
	return s.Create(&e.Element, e, actor)
}

// GetEntity loads an entity by id.
func (s *Store) GetEntity(id string) (*core.Entity, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var e core.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getEntity", "unmarshal entity", err)
	}
	e.Element = *el
	return &e, nil
}

// UpdateEntity merges patch fields into an entity.
func (s *Store) UpdateEntity(id string, patch map[string]interface{}, actor string) (*core.Entity, error) {
	el, data, err := s.Update(id, patch, actor)
	if err != nil {
		return nil, err
	}
	var e core.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.updateEntity", "unmarshal entity", err)
	}
	e.Element = *el
	return &e, nil
}

// ListEntities returns every entity, unfiltered (there is no denormalized
// entityType column since entity queries are infrequent relative to tasks).
func (s *Store) ListEntities() ([]*core.Entity, error) {
	els, datas, err := s.List(core.Filter{Type: core.ElementEntity})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Entity, 0, len(els))
	for i, el := range els {
		var e core.Entity
		if err := json.Unmarshal(datas[i], &e); err != nil {
			continue
		}
		e.Element = *el
		out = append(out, &e)
	}
	return out, nil
}

// CreateTeam persists a new team element.
func (s *Store) CreateTeam(t *core.Team, actor string) error {
	t.Type = core.ElementTeam
	return s.Create(&t.Element, t, actor)
}

// GetTeam loads a team by id.
func (s *Store) GetTeam(id string) (*core.Team, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var t core.Team
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getTeam", "unmarshal team", err)
	}
	t.Element = *el
	return &t, nil
}

// CreateDocument persists a new document element.
func (s *Store) CreateDocument(d *core.Document, actor string) error {
	d.Type = core.ElementDocument
	return s.Create(&d.Element, d, actor)
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(id string) (*core.Document, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var d core.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getDocument", "unmarshal document", err)
	}
	d.Element = *el
	return &d, nil
}

// ListDocumentsByTag returns documents carrying the given tag, oldest first;
// it does not filter on metadata - the handoff service's
// getLastHandoff/hasPendingHandoff (§4.8) pick by metadata themselves.
func (s *Store) ListDocumentsByTag(tag string) ([]*core.Document, error) {
	els, datas, err := s.List(core.Filter{Type: core.ElementDocument, Tags: []string{tag}})
	if err != nil {
		return nil, err
	}
	out := make([]*core.Document, 0, len(els))
	for i, el := range els {
		var d core.Document
		if err := json.Unmarshal(datas[i], &d); err != nil {
			continue
		}
		d.Element = *el
		out = append(out, &d)
	}
	return out, nil
}

// CreateMessage persists a new message element.
func (s *Store) CreateMessage(m *core.Message, actor string) error {
	m.Type = core.ElementMessage
	return s.Create(&m.Element, m, actor)
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(id string) (*core.Message, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var m core.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getMessage", "unmarshal message", err)
	}
	m.Element = *el
	return &m, nil
}

// CreateInboxItem persists a new inbox-item element. Uniqueness (at most one
// inbox-item per (recipient, message), §3) is enforced by the caller
// checking ListInboxByRecipient first - the generic store has no composite
// unique index on payload fields.
func (s *Store) CreateInboxItem(item *core.InboxItem, actor string) error {
	item.Type = core.ElementInboxItem
	return s.Create(&item.Element, item, actor)
}

// GetInboxItem loads an inbox item by id.
func (s *Store) GetInboxItem(id string) (*core.InboxItem, error) {
	el, data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var item core.InboxItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.getInboxItem", "unmarshal inbox item", err)
	}
	item.Element = *el
	return &item, nil
}

// UpdateInboxItem merges patch fields into an inbox item.
func (s *Store) UpdateInboxItem(id string, patch map[string]interface{}, actor string) (*core.InboxItem, error) {
	el, data, err := s.Update(id, patch, actor)
	if err != nil {
		return nil, err
	}
	var item core.InboxItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "store.updateInboxItem", "unmarshal inbox item", err)
	}
	item.Element = *el
	return &item, nil
}

// ListInboxByRecipient returns every inbox item for a recipient, optionally
// filtered by status.
func (s *Store) ListInboxByRecipient(recipientID string, status core.InboxStatus) ([]*core.InboxItem, error) {
	filter := core.Filter{Type: core.ElementInboxItem}
	if status != "" {
		filter.Status = string(status)
	}
	els, datas, err := s.List(filter)
	if err != nil {
		return nil, err
	}
	out := make([]*core.InboxItem, 0)
	for i, el := range els {
		var item core.InboxItem
		if err := json.Unmarshal(datas[i], &item); err != nil {
			continue
		}
		if item.RecipientID != recipientID {
			continue
		}
		item.Element = *el
		out = append(out, &item)
	}
	return out, nil
}
