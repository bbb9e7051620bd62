// Package autostatus derives workflow/plan aggregate status from the status
// of their child tasks (§4.4): fail > start > complete precedence, applied
// uniformly to workflows and plans.
package autostatus

import (
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Store is the subset of internal/store.Store this engine reads/writes.
type Store interface {
	GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error)
	GetTask(id string) (*core.Task, error)
	UpdateWorkflow(id string, patch map[string]interface{}, actor string) (*core.Workflow, error)
	UpdatePlan(id string, patch map[string]interface{}, actor string) (*core.Plan, error)
	AppendEvent(elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error
}

// Transition names the single status change computeStatus decided on, or is
// the zero value if nothing should change this tick.
type Transition string

const (
	NoTransition      Transition = ""
	TransitionStart   Transition = "start"
	TransitionComplete Transition = "complete"
	TransitionFail    Transition = "fail"
)

// Engine is the auto-status service.
type Engine struct {
	store Store
}

// New builds an Engine backed by store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// childTasks returns the task elements parented to id via parent-child edges
// where id is the blocker (owner) side, per §4.4's "T via parent-child edges
// where W is the blocker".
func (e *Engine) childTasks(id string) ([]*core.Task, error) {
	deps, err := e.store.GetDependents(id, core.DepParentChild)
	if err != nil {
		return nil, err
	}
	tasks := make([]*core.Task, 0, len(deps))
	for _, d := range deps {
		t, err := e.store.GetTask(d.BlockedID)
		if err != nil {
			// Not every parent-child child is necessarily a task (could be a
			// nested workflow/library); skip what doesn't resolve as a task.
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ComputeWorkflowTransition evaluates §4.4's three predicates for a workflow
// in fail > start > complete precedence, returning the single transition due
// (or NoTransition).
func (e *Engine) ComputeWorkflowTransition(w *core.Workflow) (Transition, error) {
	children, err := e.childTasks(w.ID)
	if err != nil {
		return NoTransition, err
	}

	if (w.Status == core.WorkflowPending || w.Status == core.WorkflowRunning) && anyTombstone(children) {
		return TransitionFail, nil
	}
	if w.Status == core.WorkflowPending && anyInProgress(children) {
		return TransitionStart, nil
	}
	if w.Status == core.WorkflowRunning && len(children) > 0 && allClosed(children) {
		return TransitionComplete, nil
	}
	return NoTransition, nil
}

// ApplyWorkflowTransition computes and, if due, applies the transition to w,
// returning the updated workflow (or w unchanged if nothing was due).
func (e *Engine) ApplyWorkflowTransition(w *core.Workflow, actor string) (*core.Workflow, Transition, error) {
	t, err := e.ComputeWorkflowTransition(w)
	if err != nil || t == NoTransition {
		return w, t, err
	}

	patch := map[string]interface{}{}
	switch t {
	case TransitionFail:
		patch["status"] = string(core.WorkflowFailed)
		patch["failureReason"] = "child task reached tombstone"
		patch["finishedAt"] = nowRFC3339()
	case TransitionStart:
		patch["status"] = string(core.WorkflowRunning)
		patch["startedAt"] = nowRFC3339()
	case TransitionComplete:
		patch["status"] = string(core.WorkflowCompleted)
		patch["finishedAt"] = nowRFC3339()
	}

	updated, err := e.store.UpdateWorkflow(w.ID, patch, actor)
	if err != nil {
		return w, t, err
	}
	_ = e.store.AppendEvent(w.ID, core.EventStatusChanged, actor, w.Status, updated.Status)
	return updated, t, nil
}

// ComputePlanTransition is the plan analogue of ComputeWorkflowTransition,
// over {draft, active, completed, cancelled}.
func (e *Engine) ComputePlanTransition(p *core.Plan) (Transition, error) {
	children, err := e.childTasks(p.ID)
	if err != nil {
		return NoTransition, err
	}

	if (p.Status == core.PlanDraft || p.Status == core.PlanActive) && anyTombstone(children) {
		return TransitionFail, nil
	}
	if p.Status == core.PlanDraft && anyInProgress(children) {
		return TransitionStart, nil
	}
	if p.Status == core.PlanActive && len(children) > 0 && allClosed(children) {
		return TransitionComplete, nil
	}
	return NoTransition, nil
}

// ApplyPlanTransition computes and, if due, applies the transition to p.
// A failed plan has no terminal PlanStatus distinct from cancelled in the
// closed enum (§3 only lists {draft, active, completed, cancelled}), so a
// fail transition on a plan cancels it with a recorded reason.
func (e *Engine) ApplyPlanTransition(p *core.Plan, actor string) (*core.Plan, Transition, error) {
	t, err := e.ComputePlanTransition(p)
	if err != nil || t == NoTransition {
		return p, t, err
	}

	patch := map[string]interface{}{}
	switch t {
	case TransitionFail:
		patch["status"] = string(core.PlanCancelled)
	case TransitionStart:
		patch["status"] = string(core.PlanActive)
	case TransitionComplete:
		patch["status"] = string(core.PlanCompleted)
	}

	updated, err := e.store.UpdatePlan(p.ID, patch, actor)
	if err != nil {
		return p, t, err
	}
	_ = e.store.AppendEvent(p.ID, core.EventStatusChanged, actor, p.Status, updated.Status)
	return updated, t, nil
}

func anyTombstone(tasks []*core.Task) bool {
	for _, t := range tasks {
		if t.Status == core.TaskTombstone {
			return true
		}
	}
	return false
}

func anyInProgress(tasks []*core.Task) bool {
	for _, t := range tasks {
		if t.Status == core.TaskInProgress {
			return true
		}
	}
	return false
}

func allClosed(tasks []*core.Task) bool {
	for _, t := range tasks {
		if t.Status != core.TaskClosed {
			return false
		}
	}
	return true
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
