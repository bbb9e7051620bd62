package dispatch

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
)

// match pairs one ready task with the worker entity chosen to run it.
type match struct {
	task     *core.Task
	workerID string
}

// workerState tracks how many in-flight tasks a worker entity already
// carries this tick, against its configured concurrency ceiling.
type workerState struct {
	id       string
	max      int
	used     int
	lastUsed time.Time
}

func (w *workerState) available() bool { return w.used < w.max }

// matchWorkers implements §4.9 step 4/5: for each ready task, find an
// eligible, available worker - the task's own assignee if it names a
// specific non-team entity, the least-recently-used free member if it
// names a team, or the least-recently-used free worker overall if
// unassigned. A task whose resolution finds nobody available is simply
// skipped this tick; it stays ready and is reconsidered next tick.
func (d *Daemon) matchWorkers(readyTasks []*core.Task) []match {
	workers, err := d.workerStates()
	if err != nil {
		log.Printf("[DISPATCH] listing workers: %v", err)
		return nil
	}

	var matches []match
	for _, t := range readyTasks {
		workerID, ok := d.pickWorker(t, workers)
		if !ok {
			continue
		}
		ws := workers[workerID]
		ws.used++
		matches = append(matches, match{task: t, workerID: workerID})
	}
	return matches
}

// workerStates builds the availability ledger for one tick: every active
// worker entity, its configured MaxConcurrentTasks (default 1), how many
// in-progress tasks it already carries, and its last-dispatched time for
// LRU ordering (§ domain stack: hashicorp/golang-lru/v2 backs lastUsed).
func (d *Daemon) workerStates() (map[string]*workerState, error) {
	entities, err := d.store.ListEntities()
	if err != nil {
		return nil, err
	}
	inProgress, err := d.store.ListTasks(core.TaskInProgress)
	if err != nil {
		return nil, err
	}
	inFlight := map[string]int{}
	for _, t := range inProgress {
		if t.Assignee != "" {
			inFlight[t.Assignee]++
		}
	}

	out := map[string]*workerState{}
	for _, e := range entities {
		agent := e.Agent()
		if agent == nil || agent.AgentRole != core.AgentWorker || !e.IsActive {
			continue
		}
		if agent.RateLimitResetAt != nil && agent.RateLimitResetAt.After(time.Now().UTC()) {
			continue
		}
		if _, err := d.sessions.GetActiveSession(e.ID); err == nil {
			// A worker with a live session is fully occupied regardless of
			// MaxConcurrentTasks - one OS process serves one task at a time.
			continue
		}
		max := agent.MaxConcurrentTasks
		if max <= 0 {
			max = 1
		}
		last, _ := d.lastUsed.Get(e.ID)
		out[e.ID] = &workerState{id: e.ID, max: max, used: inFlight[e.ID], lastUsed: last}
	}
	return out, nil
}

// pickWorker resolves one task's assignee field to a concrete candidate
// worker id, per §4.5's assignment shapes.
func (d *Daemon) pickWorker(t *core.Task, workers map[string]*workerState) (string, bool) {
	if t.Assignee == "" {
		return leastRecentlyUsed(workers, ""), anyAvailable(workers)
	}

	if team, err := d.store.GetTeam(t.Assignee); err == nil && team != nil {
		for _, id := range team.Members {
			if _, ok := workers[id]; ok {
				picked := leastRecentlyUsedAmong(workers, team.Members)
				return picked, picked != ""
			}
		}
		return "", false
	}

	// Assigned directly to a specific entity: only that entity will do.
	ws, ok := workers[t.Assignee]
	if !ok || !ws.available() {
		return "", false
	}
	return t.Assignee, true
}

func anyAvailable(workers map[string]*workerState) bool {
	for _, w := range workers {
		if w.available() {
			return true
		}
	}
	return false
}

// leastRecentlyUsed returns the available worker id with the oldest
// lastUsed time (zero value sorts first, i.e. never-dispatched workers are
// preferred), ignoring the unused candidateID parameter reserved for a
// future per-task affinity hint.
func leastRecentlyUsed(workers map[string]*workerState, _ string) string {
	return leastRecentlyUsedAmong(workers, nil)
}

// leastRecentlyUsedAmong restricts the LRU search to ids (or all workers if
// ids is nil), returning "" if none are available.
func leastRecentlyUsedAmong(workers map[string]*workerState, ids []string) string {
	var candidates []*workerState
	if ids == nil {
		for _, w := range workers {
			if w.available() {
				candidates = append(candidates, w)
			}
		}
	} else {
		for _, id := range ids {
			if w, ok := workers[id]; ok && w.available() {
				candidates = append(candidates, w)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed.Before(candidates[j].lastUsed) })
	return candidates[0].id
}

// dispatchMatches runs worktree creation + session spawn for every match
// concurrently, bounded by Options.ConcurrencyLimit, per §5's "I/O that
// supports it may run within one errgroup per tick".
func (d *Daemon) dispatchMatches(matches []match) {
	fns := make([]func(), 0, len(matches))
	for _, m := range matches {
		m := m
		fns = append(fns, func() { d.dispatchOne(m) })
	}
	d.runBounded(fns)
}

// dispatchOne implements §4.9 step 5: worktree, claim, session spawn, event,
// auto-status propagation, in that order. A failure part-way through is
// logged; the task is left in whatever state the failed step reached so the
// next tick's ready-query decides what to do with it (it will not be
// re-matched if it's already in_progress with an active session, and will
// be retried if the worktree/session step never got that far).
func (d *Daemon) dispatchOne(m match) {
	task, worker := m.task, m.workerID

	path, err := d.worktrees.CreateWorktree(task.ID, d.opts.BaseRef, false)
	if err != nil && !core.IsCode(err, core.CodeAlreadyExists) {
		log.Printf("[DISPATCH] worktree for task %s: %v", task.ID, err)
		return
	}
	if err != nil {
		path = d.worktrees.Path(task.ID)
	}

	if err := d.claimForDispatch(task, worker); err != nil {
		log.Printf("[DISPATCH] claim task %s for worker %s: %v", task.ID, worker, err)
		return
	}
	updated, err := d.store.GetTask(task.ID)
	if err != nil {
		log.Printf("[DISPATCH] reload claimed task %s: %v", task.ID, err)
		return
	}

	s, events, err := d.spawnOrResume(worker, task, path)
	if err != nil {
		log.Printf("[DISPATCH] spawn session for task %s on worker %s: %v", task.ID, worker, err)
		return
	}
	go func() {
		for range events {
		}
	}()

	if err := d.store.AppendEvent(task.ID, core.EventTaskDispatched, d.opts.Actor, task.Status, updated.Status); err != nil {
		log.Printf("[DISPATCH] record dispatch event for task %s: %v", task.ID, err)
	}

	d.lastUsed.Add(worker, time.Now().UTC())
	log.Printf("[DISPATCH] dispatched task %s to worker %s via session %s", task.ID, worker, s.ID)

	d.propagateAutoStatus(task.ID)
}

// claimForDispatch implements §4.9 step 5b: a task whose assignee names a
// team is claimed through the assignment service - the optimistic
// compare-and-swap, metadata.claimedFromTeam, and claimed event §4.5/§8
// invariant 7 require - then moved to in_progress; a task already assigned
// to (or unassigned in favor of) a specific worker just needs the direct
// status+assignee update.
func (d *Daemon) claimForDispatch(task *core.Task, worker string) error {
	if task.Assignee != "" {
		if team, err := d.store.GetTeam(task.Assignee); err == nil && team != nil {
			if _, err := d.assignment.ClaimTaskFromTeam(task.ID, worker, d.opts.Actor); err != nil {
				return err
			}
			_, err := d.store.UpdateTask(task.ID, map[string]interface{}{"status": string(core.TaskInProgress)}, d.opts.Actor)
			return err
		}
	}

	patch := map[string]interface{}{"status": string(core.TaskInProgress)}
	if task.Assignee == "" || task.Assignee != worker {
		patch["assignee"] = worker
	}
	_, err := d.store.UpdateTask(task.ID, patch, d.opts.Actor)
	return err
}

// spawnOrResume prefers resuming a worker's most recent resumable provider
// session (§4.7's "resume over fresh start" default for persistent
// workers); falls back to a fresh start when none exists.
func (d *Daemon) spawnOrResume(workerID string, task *core.Task, workingDir string) (*session.Session, <-chan session.Event, error) {
	if prior, err := d.sessions.GetMostRecentResumableSession(workerID); err == nil {
		return d.sessions.ResumeSession(workerID, session.ResumeOptions{
			ProviderSessionID: prior.ProviderSessionID,
			WorkingDirectory:  workingDir,
			Worktree:          workingDir,
		})
	}
	return d.sessions.StartSession(workerID, session.StartOptions{
		WorkingDirectory: workingDir,
		Worktree:         workingDir,
		InitialPrompt:    fmt.Sprintf("Task %s: %s", task.ID, task.Title),
	})
}
