// Command orchestratord is the dispatch daemon entrypoint (spec.md §4.9):
// it opens the element store, wires every service package together, and
// runs the periodic control loop until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/assignment"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/autostatus"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/dispatch"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/gc"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/graph"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/playbook"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/ready"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/store"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/worktree"
)

func main() {
	dbPath := flag.String("db", "data/orchestrator.db", "path to the SQLite database (\":memory:\" supported)")
	workspaceRoot := flag.String("workspace", ".", "workspace root containing the git repository worktrees are cut from")
	baseRef := flag.String("base-ref", "main", "git ref new task worktrees branch from")
	tick := flag.Duration("tick", 2*time.Second, "control loop tick interval")
	maxSessionDuration := flag.Duration("max-session-duration", 0, "stop sessions exceeding this lifetime (0 disables)")
	gracePeriod := flag.Duration("grace-period", 5*time.Second, "graceful-stop wait before force-kill")
	concurrency := flag.Int("concurrency", 4, "max concurrent worktree/session operations per tick")
	gcInterval := flag.Int("gc-interval", 30, "run a garbage-collection pass every N ticks")
	gcMaxAge := flag.Duration("gc-max-age", 7*24*time.Hour, "minimum age of a finished ephemeral workflow before collection")
	maxRetries := flag.Int("max-dispatch-retries", 3, "abnormal-exit retries before a task is tombstoned")
	agentCommand := flag.String("agent-command", "claude", "external agent binary invoked per session")
	instantiatePlaybook := flag.String("instantiate-playbook", "", "one-shot: materialize this playbook id into a workflow, then exit without starting the daemon")
	requestedBy := flag.String("requested-by", "el-sys", "actor/director id recorded as the instantiated workflow's createdBy")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[ORCHESTRATORD] open store: %v", err)
	}
	defer st.Close()

	g := graph.New(st)

	if *instantiatePlaybook != "" {
		runInstantiatePlaybook(st, g, *instantiatePlaybook, *requestedBy)
		return
	}

	rq := ready.New(st, g, blockerTerminalFunc(st))
	as := autostatus.New(st)
	asg := assignment.New(st, g)
	wt := worktree.New(*workspaceRoot)
	if err := wt.InitWorkspace(); err != nil {
		log.Fatalf("[ORCHESTRATORD] init workspace: %v", err)
	}
	sm := session.New(st, session.NewRealLauncher(), *agentCommand, []string{"--output-format", "stream-json"})
	gcc := gc.New(st)

	opts := dispatch.Options{
		TickInterval:       *tick,
		MaxSessionDuration: *maxSessionDuration,
		GracePeriod:        *gracePeriod,
		BaseRef:            *baseRef,
		ConcurrencyLimit:   *concurrency,
		GCInterval:         *gcInterval,
		GCMaxAge:           *gcMaxAge,
		MaxDispatchRetries: *maxRetries,
	}
	daemon := dispatch.New(st, g, rq, as, asg, wt, sm, gcc, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon.Start()
	log.Printf("[ORCHESTRATORD] dispatch daemon started (tick=%s, db=%s, workspace=%s)", *tick, *dbPath, *workspaceRoot)

	<-ctx.Done()
	log.Printf("[ORCHESTRATORD] shutdown signal received, draining")
	daemon.Stop()
	log.Printf("[ORCHESTRATORD] stopped")
}

// blockerTerminalFunc builds the isBlockerTerminal callback the ready-task
// query needs: resolve an element id's type, then check that type's
// terminal-for-blocking status (§4.3 point 2).
func blockerTerminalFunc(st *store.Store) func(id string) (bool, bool) {
	return func(id string) (bool, bool) {
		typ, ok := st.ElementType(id)
		if !ok {
			return false, false
		}
		switch typ {
		case core.ElementTask:
			t, err := st.GetTask(id)
			if err != nil {
				return false, false
			}
			return t.Status.Terminal(), true
		case core.ElementWorkflow:
			w, err := st.GetWorkflow(id)
			if err != nil {
				return false, false
			}
			return w.Status.Terminal(), true
		case core.ElementPlan:
			p, err := st.GetPlan(id)
			if err != nil {
				return false, false
			}
			return p.Status.Terminal(), true
		default:
			return true, true
		}
	}
}

// runInstantiatePlaybook materializes one playbook into a workflow and its
// tasks (spec.md §4.10), for an operator or director kicking off work
// out-of-band from the daemon's own tick.
func runInstantiatePlaybook(st *store.Store, g *graph.Graph, playbookID, requestedBy string) {
	inst := playbook.New(st, g, playbookLoader(st))
	result, err := inst.Instantiate(playbook.Options{
		PlaybookID:  playbookID,
		Ephemeral:   true,
		RequestedBy: requestedBy,
		Actor:       requestedBy,
	})
	if err != nil {
		log.Fatalf("[ORCHESTRATORD] instantiate playbook %s: %v", playbookID, err)
	}
	log.Printf("[ORCHESTRATORD] instantiated workflow %s from playbook %s (%d tasks, %d skipped steps)",
		result.Workflow.ID, playbookID, len(result.Tasks), len(result.SkippedSteps))
}

// playbookLoader resolves a playbook id to its parsed Template by loading
// the backing document and parsing its content as YAML (§4.10).
func playbookLoader(st *store.Store) playbook.Loader {
	return func(playbookID string) (*playbook.Template, error) {
		doc, err := st.GetDocument(playbookID)
		if err != nil {
			return nil, fmt.Errorf("load playbook %s: %w", playbookID, err)
		}
		return playbook.Parse([]byte(doc.Content))
	}
}
