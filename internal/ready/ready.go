// Package ready implements the ready-task predicate (§4.3): the pure query
// over element and dependency state that decides what work the dispatch
// daemon may hand to a worker right now.
package ready

import (
	"sort"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// TaskStore is the subset of internal/store.Store used to read tasks.
type TaskStore interface {
	ListTasks(status core.TaskStatus) ([]*core.Task, error)
	GetEntity(id string) (*core.Entity, error)
	GetTeam(id string) (*core.Team, error)
}

// Graph is the subset of internal/graph.Graph used to read blockers.
type Graph interface {
	GetDependencies(id string, depType core.DependencyType) ([]core.Dependency, error)
}

// blockerTerminal reports whether an element id is in a terminal state with
// respect to blocking (§4.3 point 2): closed/tombstone for tasks,
// completed/failed/cancelled for workflows/plans.
type blockerTerminal func(id string) (terminal bool, found bool)

// Query computes the ready set. It is a pure function of store+graph state;
// no caching happens here (§4.3) - callers that want per-tick memoization
// own that themselves.
type Query struct {
	tasks     TaskStore
	graph     Graph
	terminal  blockerTerminal
}

// New builds a ready-task Query. isBlockerTerminal decides, for any element
// id appearing as a blocker, whether it's done blocking - the caller
// supplies this since it may need to check task, workflow, or plan status
// depending on what kind of element the blocker id resolves to.
func New(tasks TaskStore, g Graph, isBlockerTerminal func(id string) (terminal bool, found bool)) *Query {
	return &Query{tasks: tasks, graph: g, terminal: isBlockerTerminal}
}

var blockingTypes = []core.DependencyType{core.DepBlocks, core.DepParentChild, core.DepAwaits}

// ReadyTasks returns the ready subset, ordered by (priority asc, createdAt
// asc) per §4.3's final paragraph.
func (q *Query) ReadyTasks(now time.Time) ([]*core.Task, error) {
	candidates, err := q.candidateTasks()
	if err != nil {
		return nil, err
	}

	var out []*core.Task
	for _, t := range candidates {
		ok, err := q.isReady(t, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *Query) candidateTasks() ([]*core.Task, error) {
	open, err := q.tasks.ListTasks(core.TaskOpen)
	if err != nil {
		return nil, err
	}
	inProgress, err := q.tasks.ListTasks(core.TaskInProgress)
	if err != nil {
		return nil, err
	}
	return append(open, inProgress...), nil
}

// isReady evaluates §4.3's four conditions for one task. Condition 1 (status
// open/in_progress) is already satisfied by construction of candidateTasks.
func (q *Query) isReady(t *core.Task, now time.Time) (bool, error) {
	blocked, err := q.hasIncompleteBlocker(t.ID)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}

	if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
		return false, nil
	}

	if t.Assignee != "" {
		if team, err := q.tasks.GetTeam(t.Assignee); err == nil && team != nil {
			active, err := q.hasActiveMember(team)
			if err != nil {
				return false, err
			}
			if !active {
				return false, nil
			}
		}
	}

	return true, nil
}

// hasIncompleteBlocker implements §4.3 point 2: for every incoming blocking
// dependency, the blocker must be terminal-for-blocking.
func (q *Query) hasIncompleteBlocker(taskID string) (bool, error) {
	for _, depType := range blockingTypes {
		deps, err := q.graph.GetDependencies(taskID, depType)
		if err != nil {
			return false, err
		}
		for _, d := range deps {
			terminal, found := q.terminal(d.BlockerID)
			if !found {
				// Blocker no longer resolves to a known element; treat as
				// incomplete rather than silently ignoring a dangling edge.
				return true, nil
			}
			if !terminal {
				return true, nil
			}
		}
	}
	return false, nil
}

// hasActiveMember implements §4.3's "team must have >= 1 active member"
// clause by resolving each member entity and checking isActive. A member id
// that no longer resolves to an entity is skipped rather than treated as an
// error - a departed member shouldn't block the whole predicate.
func (q *Query) hasActiveMember(team *core.Team) (bool, error) {
	for _, id := range team.Members {
		e, err := q.tasks.GetEntity(id)
		if err != nil || e == nil {
			continue
		}
		if e.IsActive {
			return true, nil
		}
	}
	return false, nil
}
