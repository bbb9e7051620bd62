// Package dispatch implements the dispatch daemon (spec.md §4.9, §5): the
// single periodic control loop that ties every other service together -
// ready-task query, worker selection, worktree + session lifecycle,
// auto-status propagation, steward schedules, inbox delivery, and garbage
// collection - the way the teacher's captain.Captain composes
// agents.ProcessSpawner + supervisor.DecisionEngine + memory.MemoryDB into
// one top-level loop.
package dispatch

import (
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/assignment"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/autostatus"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/gc"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/graph"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/ready"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/worktree"
)

// Store is the subset of internal/store.Store the daemon reads/writes
// directly (sub-services hold their own narrower views of the same
// concrete *store.Store at wiring time).
type Store interface {
	ListTasks(status core.TaskStatus) ([]*core.Task, error)
	GetTask(id string) (*core.Task, error)
	UpdateTask(id string, patch map[string]interface{}, actor string) (*core.Task, error)
	ListWorkflows() ([]*core.Workflow, error)
	GetWorkflow(id string) (*core.Workflow, error)
	GetPlan(id string) (*core.Plan, error)
	ListEntities() ([]*core.Entity, error)
	GetEntity(id string) (*core.Entity, error)
	GetTeam(id string) (*core.Team, error)
	AppendEvent(elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error
	ListEvents(elementID string) ([]core.Event, error)
	ListInboxByRecipient(recipientID string, status core.InboxStatus) ([]*core.InboxItem, error)
	UpdateInboxItem(id string, patch map[string]interface{}, actor string) (*core.InboxItem, error)
	ElementType(id string) (core.ElementType, bool)
}

// Graph is the subset of internal/graph.Graph the daemon needs directly
// (beyond what it hands to ready/autostatus/assignment/gc).
type Graph interface {
	GetDependencies(id string, depType core.DependencyType) ([]core.Dependency, error)
}

// Options configures the daemon's timer and policy knobs.
type Options struct {
	TickInterval         time.Duration
	MaxSessionDuration    time.Duration // 0 disables reaping
	GracePeriod          time.Duration
	BaseRef              string
	ConcurrencyLimit     int
	GCInterval           int // run a GC pass every N ticks
	GCMaxAge             time.Duration
	MaxDispatchRetries   int // abnormal-exit retries before a task is tombstoned
	Actor                string
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.BaseRef == "" {
		o.BaseRef = "main"
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 4
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 30
	}
	if o.MaxDispatchRetries <= 0 {
		o.MaxDispatchRetries = 3
	}
	if o.Actor == "" {
		o.Actor = "el-sys"
	}
	return o
}

// Daemon is the control loop of §4.9, wired from one context struct at
// startup per §9's "global/singleton -> explicit instance" note.
type Daemon struct {
	store      Store
	graph      Graph
	readyQuery *ready.Query
	autostatus *autostatus.Engine
	assignment *assignment.Service
	worktrees  *worktree.Manager
	sessions   *session.Manager
	gc         *gc.Collector
	opts       Options

	mu               sync.Mutex
	running          bool
	stopCh           chan struct{}
	doneCh           chan struct{}
	reconciled       bool
	tickCount        int64
	activeAgents     map[string]bool // agentID -> had an active session as of last tick
	retryCount       map[string]int  // taskID -> abnormal-exit retries so far
	lastUsed         *lru.Cache[string, time.Time]
	stewardNextDue   map[string]time.Time // agentID+"|"+trigger -> next due time
}

// New builds a Daemon wiring the given sub-services together.
func New(store Store, g Graph, rq *ready.Query, as *autostatus.Engine, asg *assignment.Service, wt *worktree.Manager, sm *session.Manager, gcc *gc.Collector, opts Options) *Daemon {
	cache, _ := lru.New[string, time.Time](1024)
	return &Daemon{
		store:          store,
		graph:          g,
		readyQuery:     rq,
		autostatus:     as,
		assignment:     asg,
		worktrees:      wt,
		sessions:       sm,
		gc:             gcc,
		opts:           opts.withDefaults(),
		activeAgents:   make(map[string]bool),
		retryCount:     make(map[string]int),
		lastUsed:       cache,
		stewardNextDue: make(map[string]time.Time),
	}
}

// Start begins the periodic control loop. Idempotent: a second Start on an
// already-running daemon is a no-op.
func (d *Daemon) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.loop()
}

func (d *Daemon) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			if err := d.Tick(now); err != nil {
				log.Printf("[DISPATCH] tick error: %v", err)
			}
		}
	}
}

// Stop cancels the timer, lets the in-flight tick finish, stops every
// running session gracefully, and returns. Idempotent.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	<-d.doneCh

	for _, s := range d.sessions.ListSessions(session.Filter{}) {
		if s.Status == session.StatusTerminated {
			continue
		}
		if err := d.sessions.StopSession(s.ID, true, "daemon-shutdown", d.opts.GracePeriod); err != nil {
			log.Printf("[DISPATCH] stop session %s on shutdown: %v", s.ID, err)
		}
	}
}

// Tick runs one full control-loop pass in the fixed order of §4.9/§5:
// reconcile -> reap -> ready-query -> match -> drain -> stewards -> inbox
// -> gc. Each numbered sub-step is isolated per §7's propagation policy: a
// failure in one ready task's match is logged and skipped, not fatal to
// the tick.
func (d *Daemon) Tick(now time.Time) error {
	d.mu.Lock()
	d.tickCount++
	tick := d.tickCount
	firstTick := !d.reconciled
	d.reconciled = true
	d.mu.Unlock()

	if firstTick {
		reconciled, errs := d.sessions.ReconcileOnStartup()
		log.Printf("[DISPATCH] startup reconcile: %d sessions reconciled, %d errors", reconciled, len(errs))
	}

	d.reapStaleSessions(now)

	readyTasks, err := d.readyQuery.ReadyTasks(now)
	if err != nil {
		return err
	}

	matches := d.matchWorkers(readyTasks)
	d.dispatchMatches(matches)

	d.drainCompletedSessions(now)

	d.fireStewards(now)

	d.processInbox()

	if tick%int64(d.opts.GCInterval) == 0 {
		result, err := d.gc.Collect(now, gc.Options{MaxAge: d.opts.GCMaxAge})
		if err != nil {
			log.Printf("[DISPATCH] gc pass failed: %v", err)
		} else if len(result.DeletedWorkflowIDs) > 0 {
			log.Printf("[DISPATCH] gc reclaimed %d workflows", len(result.DeletedWorkflowIDs))
		}
	}

	return nil
}

// reapStaleSessions implements §4.9 step 2: any running session whose
// lifetime exceeds MaxSessionDuration is stopped gracefully.
func (d *Daemon) reapStaleSessions(now time.Time) {
	if d.opts.MaxSessionDuration <= 0 {
		return
	}
	for _, s := range d.sessions.ListSessions(session.Filter{Status: session.StatusRunning}) {
		if s.StartedAt == nil {
			continue
		}
		if now.Sub(*s.StartedAt) < d.opts.MaxSessionDuration {
			continue
		}
		if err := d.sessions.StopSession(s.ID, true, "session-exceeded-max-duration", d.opts.GracePeriod); err != nil {
			log.Printf("[DISPATCH] reap session %s: %v", s.ID, err)
		}
	}
}

// isBlockerTerminal resolves a dependency's blocker id to whichever
// element type it names and checks that type's terminal-for-blocking
// status (§4.3 point 2), the same dispatch used by ready_test.go's
// terminalFor helper.
func (d *Daemon) isBlockerTerminal(id string) (terminal bool, found bool) {
	typ, ok := d.store.ElementType(id)
	if !ok {
		return false, false
	}
	switch typ {
	case core.ElementTask:
		t, err := d.store.GetTask(id)
		if err != nil {
			return false, false
		}
		return t.Status.Terminal(), true
	case core.ElementWorkflow:
		w, err := d.store.GetWorkflow(id)
		if err != nil {
			return false, false
		}
		return w.Status.Terminal(), true
	case core.ElementPlan:
		p, err := d.store.GetPlan(id)
		if err != nil {
			return false, false
		}
		return p.Status.Terminal(), true
	default:
		return true, true
	}
}

// propagateAutoStatus recomputes workflow/plan auto-status for every parent
// of taskID (§4.4: invoked after every mutation that could affect T).
func (d *Daemon) propagateAutoStatus(taskID string) {
	parents, err := d.graph.GetDependencies(taskID, core.DepParentChild)
	if err != nil {
		return
	}
	for _, dep := range parents {
		typ, ok := d.store.ElementType(dep.BlockerID)
		if !ok {
			continue
		}
		switch typ {
		case core.ElementWorkflow:
			w, err := d.store.GetWorkflow(dep.BlockerID)
			if err != nil {
				continue
			}
			if _, transition, err := d.autostatus.ApplyWorkflowTransition(w, d.opts.Actor); err != nil {
				log.Printf("[DISPATCH] autostatus workflow %s: %v", w.ID, err)
			} else if transition != autostatus.NoTransition {
				log.Printf("[DISPATCH] workflow %s transitioned: %s", w.ID, transition)
			}
		case core.ElementPlan:
			p, err := d.store.GetPlan(dep.BlockerID)
			if err != nil {
				continue
			}
			if _, transition, err := d.autostatus.ApplyPlanTransition(p, d.opts.Actor); err != nil {
				log.Printf("[DISPATCH] autostatus plan %s: %v", p.ID, err)
			} else if transition != autostatus.NoTransition {
				log.Printf("[DISPATCH] plan %s transitioned: %s", p.ID, transition)
			}
		}
	}
}

// runBounded executes fns concurrently, bounded by ConcurrencyLimit, per
// §5's "I/O operations that support it may run concurrently within a
// tick" and §4.9's errgroup-bounded match step. Each fn's own errors are
// its caller's problem to log; runBounded only waits for completion.
func (d *Daemon) runBounded(fns []func()) {
	g := new(errgroup.Group)
	g.SetLimit(d.opts.ConcurrencyLimit)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			fn()
			return nil
		})
	}
	_ = g.Wait()
}
