package gc

import (
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// fakeStore is a small in-memory CandidateStore double - gc's logic is a
// pure eligibility filter plus cascading deletes, so a full SQLite-backed
// store isn't needed to exercise it.
type fakeStore struct {
	workflows map[string]*core.Workflow
	children  map[string][]core.Dependency
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[string]*core.Workflow),
		children:  make(map[string][]core.Dependency),
	}
}

func (f *fakeStore) ListWorkflows() ([]*core.Workflow, error) {
	out := make([]*core.Workflow, 0, len(f.workflows))
	for _, w := range f.workflows {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeStore) GetDependents(id string, depType core.DependencyType) ([]core.Dependency, error) {
	var out []core.Dependency
	for _, d := range f.children[id] {
		if d.Type == depType {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(id, actor, reason string) error {
	f.deleted = append(f.deleted, id)
	delete(f.workflows, id)
	return nil
}

func (f *fakeStore) addWorkflow(w *core.Workflow, childIDs ...string) {
	f.workflows[w.ID] = w
	for _, c := range childIDs {
		f.children[w.ID] = append(f.children[w.ID], core.Dependency{BlockedID: c, BlockerID: w.ID, Type: core.DepParentChild})
	}
}

func TestCollectIgnoresNonEphemeralWorkflows(t *testing.T) {
	fs := newFakeStore()
	finished := time.Now().Add(-30 * 24 * time.Hour)
	fs.addWorkflow(&core.Workflow{
		Element: core.Element{ID: "el-w1"}, Status: core.WorkflowCompleted,
		Ephemeral: false, FinishedAt: &finished,
	})

	c := New(fs)
	result, err := c.Collect(time.Now(), Options{MaxAge: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.DeletedWorkflowIDs) != 0 {
		t.Fatalf("expected no deletions for non-ephemeral workflow, got %v", result.DeletedWorkflowIDs)
	}
}

func TestCollectIgnoresTooRecent(t *testing.T) {
	fs := newFakeStore()
	finished := time.Now().Add(-1 * time.Hour)
	fs.addWorkflow(&core.Workflow{
		Element: core.Element{ID: "el-w2"}, Status: core.WorkflowCompleted,
		Ephemeral: true, FinishedAt: &finished,
	})

	c := New(fs)
	result, err := c.Collect(time.Now(), Options{MaxAge: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.DeletedWorkflowIDs) != 0 {
		t.Fatalf("expected no deletions for a recently-finished workflow, got %v", result.DeletedWorkflowIDs)
	}
}

func TestCollectDeletesEligibleWorkflowAndChildren(t *testing.T) {
	fs := newFakeStore()
	finished := time.Now().Add(-10 * 24 * time.Hour)
	fs.addWorkflow(&core.Workflow{
		Element: core.Element{ID: "el-w3"}, Status: core.WorkflowCompleted,
		Ephemeral: true, FinishedAt: &finished,
	}, "el-w3.1", "el-w3.2", "el-w3.3")

	c := New(fs)
	result, err := c.Collect(time.Now(), Options{MaxAge: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.DeletedWorkflowIDs) != 1 || result.DeletedWorkflowIDs[0] != "el-w3" {
		t.Fatalf("expected el-w3 deleted, got %v", result.DeletedWorkflowIDs)
	}
	if len(result.DeletedTaskIDs) != 3 {
		t.Fatalf("expected 3 child tasks deleted, got %v", result.DeletedTaskIDs)
	}
	if _, stillThere := fs.workflows["el-w3"]; stillThere {
		t.Fatal("workflow should have been removed from the store")
	}
}

func TestCollectDryRunIsPureAndIdempotent(t *testing.T) {
	fs := newFakeStore()
	finished := time.Now().Add(-10 * 24 * time.Hour)
	fs.addWorkflow(&core.Workflow{
		Element: core.Element{ID: "el-w4"}, Status: core.WorkflowFailed,
		Ephemeral: true, FinishedAt: &finished,
	}, "el-w4.1")

	c := New(fs)
	opts := Options{MaxAge: 7 * 24 * time.Hour, DryRun: true}
	now := time.Now()

	first, err := c.Collect(now, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Collect(now, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs.deleted) != 0 {
		t.Fatal("dry run must not touch the store")
	}
	if len(first.DeletedWorkflowIDs) != len(second.DeletedWorkflowIDs) || first.DeletedWorkflowIDs[0] != second.DeletedWorkflowIDs[0] {
		t.Fatalf("dry run must be idempotent: %v vs %v", first.DeletedWorkflowIDs, second.DeletedWorkflowIDs)
	}
	if _, stillThere := fs.workflows["el-w4"]; !stillThere {
		t.Fatal("dry run must not delete anything")
	}
}

func TestCollectRespectsLimit(t *testing.T) {
	fs := newFakeStore()
	finished := time.Now().Add(-10 * 24 * time.Hour)
	fs.addWorkflow(&core.Workflow{Element: core.Element{ID: "el-w5"}, Status: core.WorkflowCancelled, Ephemeral: true, FinishedAt: &finished})
	fs.addWorkflow(&core.Workflow{Element: core.Element{ID: "el-w6"}, Status: core.WorkflowCancelled, Ephemeral: true, FinishedAt: &finished})

	c := New(fs)
	result, err := c.Collect(time.Now(), Options{MaxAge: 7 * 24 * time.Hour, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Candidates != 2 {
		t.Fatalf("expected 2 candidates counted regardless of limit, got %d", result.Candidates)
	}
	if len(result.DeletedWorkflowIDs) != 1 {
		t.Fatalf("expected limit to cap deletions at 1, got %v", result.DeletedWorkflowIDs)
	}
}
