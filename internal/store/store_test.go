package store

import (
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTest(t)
	task := &core.Task{
		Element: core.Element{CreatedBy: "el-sys", Tags: []string{"x"}},
		Title:   "write docs",
		Status:  core.TaskOpen,
		Priority: 3,
	}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected allocated id")
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "write docs" || got.Status != core.TaskOpen {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestCreateDuplicateIDFails(t *testing.T) {
	s := openTest(t)
	task := &core.Task{Element: core.Element{ID: "el-dup"}, Title: "a", Status: core.TaskOpen}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &core.Task{Element: core.Element{ID: "el-dup"}, Title: "b", Status: core.TaskOpen}
	err := s.CreateTask(dup, "el-sys")
	if !core.IsCode(err, core.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestUpdateMissingFails(t *testing.T) {
	s := openTest(t)
	_, _, err := s.Update("el-ghost", map[string]interface{}{"title": "x"}, "el-sys")
	if !core.IsCode(err, core.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	s := openTest(t)
	task := &core.Task{Element: core.Element{ID: "el-up"}, Title: "a", Status: core.TaskOpen, Priority: 2}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatal(err)
	}
	updated, err := s.UpdateTask(task.ID, map[string]interface{}{"status": string(core.TaskInProgress)}, "el-sys")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != core.TaskInProgress {
		t.Fatalf("status not updated: %+v", updated)
	}
	if updated.Title != "a" {
		t.Fatalf("unrelated field clobbered: %+v", updated)
	}
}

func TestDeleteCascadesDependencies(t *testing.T) {
	s := openTest(t)
	a := &core.Task{Element: core.Element{ID: "el-a"}, Title: "a", Status: core.TaskOpen}
	b := &core.Task{Element: core.Element{ID: "el-b"}, Title: "b", Status: core.TaskOpen}
	if err := s.CreateTask(a, "el-sys"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(b, "el-sys"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDependency(core.Dependency{BlockedID: b.ID, BlockerID: a.ID, Type: core.DepBlocks, CreatedAt: time.Now(), CreatedBy: "el-sys"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(a.ID, "el-sys", "cleanup"); err != nil {
		t.Fatal(err)
	}

	deps, err := s.GetDependencies(b.ID, core.DepBlocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected dependencies removed on delete, got %v", deps)
	}
}

func TestDependencyDuplicateRejected(t *testing.T) {
	s := openTest(t)
	d := core.Dependency{BlockedID: "el-x", BlockerID: "el-y", Type: core.DepBlocks, CreatedAt: time.Now(), CreatedBy: "el-sys"}
	if err := s.AddDependency(d); err != nil {
		t.Fatal(err)
	}
	err := s.AddDependency(d)
	if !core.IsCode(err, core.CodeDuplicateDependency) {
		t.Fatalf("expected DUPLICATE_DEPENDENCY, got %v", err)
	}
}

func TestRemoveDependencyIdempotentFailure(t *testing.T) {
	s := openTest(t)
	err := s.RemoveDependency("el-x", "el-y", core.DepBlocks, "el-sys")
	if !core.IsCode(err, core.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRelatesToCanonicalized(t *testing.T) {
	s := openTest(t)
	d := core.Dependency{BlockedID: "el-z", BlockerID: "el-a", Type: core.DepRelatesTo, CreatedAt: time.Now(), CreatedBy: "el-sys"}
	if err := s.AddDependency(d); err != nil {
		t.Fatal(err)
	}
	related, err := s.GetRelatedTo("el-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 {
		t.Fatalf("expected one relates-to edge, got %d", len(related))
	}
	if related[0].BlockedID != "el-a" || related[0].BlockerID != "el-z" {
		t.Fatalf("expected canonical min(a,z)=a as blockedId, got %+v", related[0])
	}
}

func TestChildCounterMonotonicNoGaps(t *testing.T) {
	s := openTest(t)
	seen := map[int64]bool{}
	var prev int64
	for i := 0; i < 5; i++ {
		n, err := s.GetNextChildNumber("el-parent")
		if err != nil {
			t.Fatal(err)
		}
		if seen[n] {
			t.Fatalf("duplicate child number %d", n)
		}
		seen[n] = true
		if i > 0 && n != prev+1 {
			t.Fatalf("expected strictly increasing with no gaps, got %d after %d", n, prev)
		}
		prev = n
	}
}

func TestDirtySetMarkAndClear(t *testing.T) {
	s := openTest(t)
	task := &core.Task{Element: core.Element{ID: "el-dirty"}, Title: "a", Status: core.TaskOpen}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatal(err)
	}
	dirty, err := s.GetDirtyElements()
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 || dirty[0].ElementID != task.ID {
		t.Fatalf("expected task marked dirty on create, got %v", dirty)
	}
	if err := s.ClearDirtyElements([]string{task.ID}); err != nil {
		t.Fatal(err)
	}
	dirty, err = s.GetDirtyElements()
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 0 {
		t.Fatalf("expected dirty set empty after clear, got %v", dirty)
	}
}

func TestEventsAreAppendOnlySourceOfTruth(t *testing.T) {
	s := openTest(t)
	task := &core.Task{Element: core.Element{ID: "el-evt"}, Title: "a", Status: core.TaskOpen}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateTask(task.ID, map[string]interface{}{"status": string(core.TaskClosed)}, "el-sys"); err != nil {
		t.Fatal(err)
	}
	events, err := s.ListEvents(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected created+updated events, got %d", len(events))
	}
	if events[0].EventType != core.EventCreated || events[1].EventType != core.EventUpdated {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestUpdateIfAssigneeConditional(t *testing.T) {
	s := openTest(t)
	task := &core.Task{Element: core.Element{ID: "el-claim"}, Title: "a", Status: core.TaskOpen, Assignee: "el-team"}
	if err := s.CreateTask(task, "el-sys"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimTask(task.ID, "el-team", "el-member1", nil, "el-member1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.ClaimTask(task.ID, "el-team", "el-member2", nil, "el-member2")
	if !core.IsCode(err, core.CodeAlreadyAssigned) {
		t.Fatalf("expected ALREADY_ASSIGNED for stale claim, got %v", err)
	}
}

func TestListFiltersByStatusAndTags(t *testing.T) {
	s := openTest(t)
	open := &core.Task{Element: core.Element{ID: "el-lo", Tags: []string{"urgent"}}, Title: "a", Status: core.TaskOpen}
	closed := &core.Task{Element: core.Element{ID: "el-lc"}, Title: "b", Status: core.TaskClosed}
	if err := s.CreateTask(open, "el-sys"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTask(closed, "el-sys"); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(core.TaskOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != open.ID {
		t.Fatalf("expected only open task, got %+v", tasks)
	}

	tagged, _, err := s.List(core.Filter{Type: core.ElementTask, Tags: []string{"urgent"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(tagged) != 1 || tagged[0].ID != open.ID {
		t.Fatalf("expected only urgent-tagged task, got %+v", tagged)
	}
}
