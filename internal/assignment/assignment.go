// Package assignment implements the task-assignment service (§4.5):
// plan membership, claim-from-team, and direct reassignment.
package assignment

import (
	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Store is the subset of internal/store.Store this service needs.
type Store interface {
	GetTask(id string) (*core.Task, error)
	UpdateTask(id string, patch map[string]interface{}, actor string) (*core.Task, error)
	ClaimTask(id, expectedAssignee, claimant string, extra map[string]interface{}, actor string) (*core.Task, error)
	GetPlan(id string) (*core.Plan, error)
	GetTeam(id string) (*core.Team, error)
	AppendEvent(elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error
}

// Graph is the subset of internal/graph.Graph this service needs.
type Graph interface {
	AddDependency(blockedID, blockerID string, depType core.DependencyType, createdBy string, metadata core.Metadata) error
	RemoveDependency(blockedID, blockerID string, depType core.DependencyType, actor string) error
}

// Service is the task-assignment service.
type Service struct {
	store Store
	graph Graph
}

// New builds a Service backed by store and graph.
func New(store Store, graph Graph) *Service {
	return &Service{store: store, graph: graph}
}

// AddTaskToPlan creates a parent-child edge (task blocked by plan), validates
// the plan is not cancelled, and emits plan-task-added (§4.5).
func (s *Service) AddTaskToPlan(taskID, planID, actor string) error {
	plan, err := s.store.GetPlan(planID)
	if err != nil {
		return err
	}
	if plan.Status == core.PlanCancelled {
		return core.NewErrorf(core.CodeValidation, "assignment.addTaskToPlan", "plan %s is cancelled", planID)
	}

	if err := s.graph.AddDependency(taskID, planID, core.DepParentChild, actor, nil); err != nil {
		return err
	}
	return s.store.AppendEvent(taskID, core.EventPlanTaskAdded, actor, nil, map[string]interface{}{"planId": planID})
}

// RemoveTaskFromPlan removes the parent-child edge and emits
// plan-task-removed.
func (s *Service) RemoveTaskFromPlan(taskID, planID, actor string) error {
	if err := s.graph.RemoveDependency(taskID, planID, core.DepParentChild, actor); err != nil {
		return err
	}
	return s.store.AppendEvent(taskID, core.EventPlanTaskRemoved, actor, map[string]interface{}{"planId": planID}, nil)
}

// ClaimTaskFromTeam atomically transfers a team-assigned task to a member of
// that team (§4.5, §8 invariant 7). The claimant must be a member of the
// task's current (team) assignee; if the task is already assigned to a
// non-team entity this fails ALREADY_ASSIGNED. The underlying store update is
// a single conditional write keyed on the observed assignee, the same
// optimistic-update-then-check idiom spec.md §5 requires for claim races:
// only one of two concurrent claimants observes success.
func (s *Service) ClaimTaskFromTeam(taskID, claimantID, actor string) (*core.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Assignee == "" {
		return nil, core.NewErrorf(core.CodeValidation, "assignment.claimTaskFromTeam", "task %s has no assignee", taskID)
	}

	team, err := s.store.GetTeam(task.Assignee)
	if err != nil || team == nil {
		return nil, core.NewErrorf(core.CodeAlreadyAssigned, "assignment.claimTaskFromTeam",
			"task %s is not assigned to a team", taskID)
	}
	if !team.HasMember(claimantID) {
		return nil, core.NewErrorf(core.CodeValidation, "assignment.claimTaskFromTeam",
			"%s is not a member of team %s", claimantID, team.ID)
	}

	extra := map[string]interface{}{
		"metadata": mergeMetadata(task.Metadata, "claimedFromTeam", team.ID),
	}
	updated, err := s.store.ClaimTask(taskID, task.Assignee, claimantID, extra, claimantID)
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendEvent(taskID, core.EventClaimed, actor, task.Assignee, claimantID); err != nil {
		return updated, err
	}
	return updated, nil
}

// Reassign directly reassigns a task; no team-membership check (§4.5).
func (s *Service) Reassign(taskID, newAssignee, actor string) (*core.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	old := task.Assignee
	updated, err := s.store.UpdateTask(taskID, map[string]interface{}{"assignee": newAssignee}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendEvent(taskID, core.EventAssigned, actor, old, newAssignee); err != nil {
		return updated, err
	}
	return updated, nil
}

func mergeMetadata(existing core.Metadata, key string, value interface{}) core.Metadata {
	out := core.Metadata{}
	for k, v := range existing {
		out[k] = v
	}
	out[key] = value
	return out
}
