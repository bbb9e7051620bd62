// Package gc implements the garbage collector (spec.md §4.11): reclaiming
// ephemeral workflows that finished long enough ago, along with their child
// tasks and the dependency edges that reference either.
package gc

import (
	"log"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// CandidateStore is what Collect actually needs: list workflows, walk
// parent-child edges to their children, and delete rows.
type CandidateStore interface {
	ListWorkflows() ([]*core.Workflow, error)
	GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error)
	Delete(id, actor, reason string) error
}

// Options configures a collection pass.
type Options struct {
	MaxAge time.Duration
	DryRun bool
	Limit  int
}

// Result is the outcome of a Collect call.
type Result struct {
	DeletedWorkflowIDs []string
	DeletedTaskIDs     []string
	DeletedEdgeCount   int
	Candidates         int
}

// Collector is the garbage-collection service.
type Collector struct {
	store CandidateStore
}

// New builds a Collector backed by store.
func New(store CandidateStore) *Collector {
	return &Collector{store: store}
}

// Collect runs one garbage-collection pass per spec.md §4.11. With
// DryRun set, it is a pure query: no element is touched, and running it
// twice produces the same ids (§8's idempotence law).
func (c *Collector) Collect(now time.Time, opts Options) (Result, error) {
	workflows, err := c.store.ListWorkflows()
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, w := range workflows {
		if !eligible(w, now, opts.MaxAge) {
			continue
		}
		result.Candidates++
		if opts.Limit > 0 && len(result.DeletedWorkflowIDs) >= opts.Limit {
			continue
		}

		children, err := c.store.GetDependents(w.ID, core.DepParentChild)
		if err != nil {
			return result, err
		}
		childIDs := make([]string, 0, len(children))
		for _, d := range children {
			childIDs = append(childIDs, d.BlockedID)
		}

		if opts.DryRun {
			result.DeletedWorkflowIDs = append(result.DeletedWorkflowIDs, w.ID)
			result.DeletedTaskIDs = append(result.DeletedTaskIDs, childIDs...)
			result.DeletedEdgeCount += len(children)
			continue
		}

		for _, childID := range childIDs {
			if err := c.store.Delete(childID, "el-sys", "garbage-collected: parent workflow reclaimed"); err != nil {
				log.Printf("[GC] failed deleting child %s of workflow %s: %v", childID, w.ID, err)
				continue
			}
			result.DeletedTaskIDs = append(result.DeletedTaskIDs, childID)
			result.DeletedEdgeCount++
		}
		if err := c.store.Delete(w.ID, "el-sys", "garbage-collected: ephemeral workflow past max age"); err != nil {
			log.Printf("[GC] failed deleting workflow %s: %v", w.ID, err)
			continue
		}
		result.DeletedWorkflowIDs = append(result.DeletedWorkflowIDs, w.ID)
	}

	if !opts.DryRun && len(result.DeletedWorkflowIDs) > 0 {
		log.Printf("[GC] reclaimed %d workflows, %d tasks", len(result.DeletedWorkflowIDs), len(result.DeletedTaskIDs))
	}
	return result, nil
}

// eligible reports whether w is a garbage-collection candidate: ephemeral,
// terminal, and finished at least maxAge ago.
func eligible(w *core.Workflow, now time.Time, maxAge time.Duration) bool {
	if !w.Ephemeral || !w.Status.Terminal() {
		return false
	}
	if w.FinishedAt == nil {
		return false
	}
	return now.Sub(*w.FinishedAt) >= maxAge
}
