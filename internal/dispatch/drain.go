package dispatch

import (
	"log"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
)

// drainCompletedSessions implements §4.9 step 6: for every session that
// transitioned to terminated since the last tick, inspect the exit and
// decide the fate of whatever task it was carrying, then remove its
// worktree. A session is "new since last tick" if its agent was marked
// active in d.activeAgents on the previous pass.
func (d *Daemon) drainCompletedSessions(now time.Time) {
	seenAgents := make(map[string]bool)

	for _, s := range d.sessions.ListSessions(session.Filter{}) {
		seenAgents[s.AgentID] = s.Status == session.StatusStarting || s.Status == session.StatusRunning

		wasActive := d.activeAgents[s.AgentID]
		if !wasActive || s.Status != session.StatusTerminated {
			continue
		}

		d.drainOne(s, now)
	}

	d.activeAgents = seenAgents
}

// drainOne resolves the fate of the in_progress task (if any) that agentID's
// just-terminated session was carrying, then removes its worktree.
func (d *Daemon) drainOne(s *session.Session, now time.Time) {
	task := d.findInProgressTaskFor(s.AgentID)
	if task == nil {
		return
	}

	if !d.taskClosedDuringSession(task.ID) {
		d.retryOrReopen(task)
	}

	if err := d.worktrees.RemoveWorktreeForTask(task.ID, true); err != nil {
		log.Printf("[DISPATCH] remove worktree for task %s: %v", task.ID, err)
	}

	d.propagateAutoStatus(task.ID)
}

// retryOrReopen reopens an abnormally-exited task for another attempt, or
// tombstones it once MaxDispatchRetries is exceeded.
func (d *Daemon) retryOrReopen(task *core.Task) {
	d.retryCount[task.ID]++
	if d.retryCount[task.ID] > d.opts.MaxDispatchRetries {
		if _, err := d.store.UpdateTask(task.ID, map[string]interface{}{"status": string(core.TaskTombstone)}, d.opts.Actor); err != nil {
			log.Printf("[DISPATCH] tombstone task %s after %d retries: %v", task.ID, d.retryCount[task.ID], err)
			return
		}
		_ = d.store.AppendEvent(task.ID, core.EventStatusChanged, d.opts.Actor, task.Status, core.TaskTombstone)
		log.Printf("[DISPATCH] task %s tombstoned after exceeding retry budget", task.ID)
		delete(d.retryCount, task.ID)
		return
	}
	if _, err := d.store.UpdateTask(task.ID, map[string]interface{}{"status": string(core.TaskOpen)}, d.opts.Actor); err != nil {
		log.Printf("[DISPATCH] reopen task %s: %v", task.ID, err)
		return
	}
	_ = d.store.AppendEvent(task.ID, core.EventStatusChanged, d.opts.Actor, task.Status, core.TaskOpen)
	log.Printf("[DISPATCH] task %s reopened for retry %d/%d", task.ID, d.retryCount[task.ID], d.opts.MaxDispatchRetries)
}

// findInProgressTaskFor returns the in-progress task assigned to agentID, if
// any. A worker carries at most one task at a time in practice (§4.6's
// one-worktree-per-session invariant), so the first match is taken.
func (d *Daemon) findInProgressTaskFor(agentID string) *core.Task {
	tasks, err := d.store.ListTasks(core.TaskInProgress)
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.Assignee == agentID {
			return t
		}
	}
	return nil
}

// taskClosedDuringSession reports whether the task's event trail already
// shows a status-changed-to-closed event, meaning the agent closed it itself
// before the session ended (§4.9 step 6's "leave as closed" branch).
func (d *Daemon) taskClosedDuringSession(taskID string) bool {
	events, err := d.store.ListEvents(taskID)
	if err != nil {
		return false
	}
	for _, e := range events {
		if e.EventType != core.EventStatusChanged {
			continue
		}
		if nv, ok := e.NewValue.(string); ok && nv == string(core.TaskClosed) {
			return true
		}
		if nv, ok := e.NewValue.(core.TaskStatus); ok && nv == core.TaskClosed {
			return true
		}
	}
	return false
}
