// Package graph implements the dependency graph: typed directed edges
// between elements, with BFS cycle detection restricted to blocking edge
// types (§4.2).
package graph

import (
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Store is the subset of internal/store.Store the graph needs - a capability
// bundle per §9's "duck-typed API -> explicit capability interface" note.
type Store interface {
	AddDependency(d core.Dependency) error
	RemoveDependency(blockedID, blockerID string, depType core.DependencyType, actor string) error
	GetDependencies(id string, depType core.DependencyType) ([]core.Dependency, error)
	GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error)
	GetRelatedTo(id string) ([]core.Dependency, error)
}

const defaultMaxDepth = 100

// Graph is the dependency-graph service.
type Graph struct {
	store    Store
	maxDepth int
}

// New builds a Graph backed by store, with the default cycle-detection
// depth limit (100, §4.2).
func New(store Store) *Graph {
	return &Graph{store: store, maxDepth: defaultMaxDepth}
}

// WithMaxDepth overrides the cycle-detection BFS depth limit.
func (g *Graph) WithMaxDepth(n int) *Graph {
	g.maxDepth = n
	return g
}

// CycleCheckResult reports the outcome of a cycle probe.
type CycleCheckResult struct {
	HasCycle         bool
	Path             []string
	DepthLimitReached bool
}

// AddDependency canonicalizes relates-to, runs the cycle check for blocking
// types, and inserts the edge, emitting dependency-added (§4.2).
func (g *Graph) AddDependency(blockedID, blockerID string, depType core.DependencyType, createdBy string, metadata core.Metadata) error {
	if depType.IsBlocking() {
		result := g.checkCycle(blockerID, blockedID)
		if result.HasCycle {
			return core.NewErrorf(core.CodeCycleDetected, "graph.addDependency",
				"adding blocks(%s, %s) would close a cycle", blockedID, blockerID).
				WithDetail("cyclePath", result.Path)
		}
	}

	return g.store.AddDependency(core.Dependency{
		BlockedID: blockedID,
		BlockerID: blockerID,
		Type:      depType,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		Metadata:  metadata,
	})
}

// RemoveDependency removes an edge.
func (g *Graph) RemoveDependency(blockedID, blockerID string, depType core.DependencyType, actor string) error {
	return g.store.RemoveDependency(blockedID, blockerID, depType, actor)
}

// GetDependencies returns the blockers of id (edges where id is blocked).
func (g *Graph) GetDependencies(id string, depType core.DependencyType) ([]core.Dependency, error) {
	return g.store.GetDependencies(id, depType)
}

// GetDependents returns who id blocks (edges where id is the blocker).
func (g *Graph) GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error) {
	return g.store.GetDependents(id, depType)
}

// GetRelatedTo returns relates-to edges touching id.
func (g *Graph) GetRelatedTo(id string) ([]core.Dependency, error) {
	return g.store.GetRelatedTo(id)
}

// checkCycle decides whether adding the proposed edge (blockedId=blocked,
// blockerId=blocker) would close a cycle. That edge means "blocked requires
// blocker"; it closes a cycle iff blocker already (transitively) requires
// blocked, i.e. there is an existing chain of "requires" edges starting at
// blocker and reaching blocked. So BFS starts at blocker and follows
// requires-edges (from a node X to the elements X itself requires, i.e.
// X's blockers) looking for blocked. Bounded by maxDepth; at the limit the
// policy is permissive (depthLimitReached=true, not a cycle).
func (g *Graph) checkCycle(blocker, blocked string) CycleCheckResult {
	if blocker == blocked {
		return CycleCheckResult{HasCycle: true, Path: []string{blocker, blocked}}
	}

	type frame struct {
		node string
		path []string
	}

	visited := map[string]bool{blocker: true}
	queue := []frame{{node: blocker, path: []string{blocker}}}
	depth := 0

	for len(queue) > 0 && depth < g.maxDepth {
		levelSize := len(queue)
		for i := 0; i < levelSize; i++ {
			cur := queue[0]
			queue = queue[1:]

			next := g.requires(cur.node)
			for _, n := range next {
				if n == blocked {
					return CycleCheckResult{HasCycle: true, Path: append(append([]string{}, cur.path...), n)}
				}
				if visited[n] {
					continue
				}
				visited[n] = true
				queue = append(queue, frame{node: n, path: append(append([]string{}, cur.path...), n)})
			}
		}
		depth++
	}

	if len(queue) > 0 {
		return CycleCheckResult{DepthLimitReached: true}
	}
	return CycleCheckResult{}
}

// requires returns the set of elements that `node` itself requires (node's
// blockers) across all three blocking edge types - the edges where node is
// the blocked side.
func (g *Graph) requires(node string) []string {
	var out []string
	for _, t := range []core.DependencyType{core.DepBlocks, core.DepParentChild, core.DepAwaits} {
		deps, err := g.store.GetDependencies(node, t)
		if err != nil {
			continue
		}
		for _, d := range deps {
			out = append(out, d.BlockerID)
		}
	}
	return out
}
