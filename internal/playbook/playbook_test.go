package playbook

import (
	"testing"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/graph"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const simpleYAML = `
variables:
  - name: repo
    required: true
  - name: runTests
    default: true
defaults:
  title: "deploy {{repo}}"
steps:
  - id: build
    kind: task
    title: "build {{repo}}"
  - id: test
    kind: task
    title: "test {{repo}}"
    dependsOn: [build]
    condition: runTests
  - id: deploy
    kind: task
    title: "deploy {{repo}}"
    dependsOn: [build, test]
`

func loaderFor(content string) Loader {
	return func(id string) (*Template, error) {
		return Parse([]byte(content))
	}
}

func TestInstantiateResolvesVariablesAndWiresDependencies(t *testing.T) {
	s := openTest(t)
	g := graph.New(s)
	inst := New(s, g, loaderFor(simpleYAML))

	result, err := inst.Instantiate(Options{
		PlaybookID: "deploy",
		Variables:  map[string]interface{}{"repo": "widgets"},
		Ephemeral:  true,
		Actor:      "el-sys",
	})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(result.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(result.Tasks))
	}
	if result.Workflow.Title != "deploy widgets" {
		t.Fatalf("title not substituted: %q", result.Workflow.Title)
	}
	if result.BlocksDependencies != 3 {
		t.Fatalf("expected 3 blocks edges (build<-test, build<-deploy, test<-deploy), got %d", result.BlocksDependencies)
	}
	if result.ParentChildDependencies != 3 {
		t.Fatalf("expected 3 parent-child edges, got %d", result.ParentChildDependencies)
	}

	for _, task := range result.Tasks {
		deps, err := s.GetDependencies(task.ID, core.DepParentChild)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, d := range deps {
			if d.BlockerID == result.Workflow.ID {
				found = true
			}
		}
		if !found {
			t.Fatalf("task %s missing parent-child edge to workflow", task.ID)
		}
	}
}

func TestInstantiateMissingRequiredVariableFails(t *testing.T) {
	s := openTest(t)
	g := graph.New(s)
	inst := New(s, g, loaderFor(simpleYAML))

	_, err := inst.Instantiate(Options{PlaybookID: "deploy", Actor: "el-sys"})
	if !core.IsCode(err, core.CodeValidation) {
		t.Fatalf("expected VALIDATION for missing required var, got %v", err)
	}
}

func TestInstantiateSkipsFalseCondition(t *testing.T) {
	s := openTest(t)
	g := graph.New(s)
	inst := New(s, g, loaderFor(simpleYAML))

	result, err := inst.Instantiate(Options{
		PlaybookID: "deploy",
		Variables:  map[string]interface{}{"repo": "widgets", "runTests": false},
		Actor:      "el-sys",
	})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(result.Tasks) != 2 {
		t.Fatalf("expected 2 tasks (test skipped), got %d", len(result.Tasks))
	}
	if len(result.SkippedSteps) != 1 || result.SkippedSteps[0] != "test" {
		t.Fatalf("expected test step skipped, got %v", result.SkippedSteps)
	}
	// deploy's dependsOn [build, test] should only wire the build edge since
	// test was filtered out.
	for _, task := range result.Tasks {
		if task.Title != "deploy widgets" {
			continue
		}
		deps, err := s.GetDependencies(task.ID, core.DepBlocks)
		if err != nil {
			t.Fatal(err)
		}
		if len(deps) != 1 {
			t.Fatalf("expected deploy to have 1 blocks dependency after test was skipped, got %d", len(deps))
		}
	}
}

func TestInstantiateFunctionStepNotPersistedAsTask(t *testing.T) {
	const yaml2 = `
steps:
  - id: notify
    kind: function
    title: notify team
    command: "echo done"
`
	s := openTest(t)
	g := graph.New(s)
	inst := New(s, g, loaderFor(yaml2))

	result, err := inst.Instantiate(Options{PlaybookID: "x", Actor: "el-sys"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(result.Tasks) != 0 {
		t.Fatalf("expected 0 persisted tasks, got %d", len(result.Tasks))
	}
	if len(result.FunctionSteps) != 1 {
		t.Fatalf("expected 1 function step, got %d", len(result.FunctionSteps))
	}
	if result.FunctionSteps[0].Command != "echo done" {
		t.Fatalf("unexpected command: %q", result.FunctionSteps[0].Command)
	}
}

func TestInstantiateExtendsMergesDeeperFieldWins(t *testing.T) {
	const parentYAML = `
variables:
  - name: repo
    default: base-repo
steps:
  - id: build
    kind: task
    title: "build {{repo}}"
`
	const childYAML = `
extends: parent
steps:
  - id: build
    kind: task
    title: "build {{repo}} (overridden)"
  - id: ship
    kind: task
    title: "ship {{repo}}"
    dependsOn: [build]
`
	s := openTest(t)
	g := graph.New(s)
	loader := func(id string) (*Template, error) {
		if id == "parent" {
			return Parse([]byte(parentYAML))
		}
		return Parse([]byte(childYAML))
	}
	inst := New(s, g, loader)

	result, err := inst.Instantiate(Options{PlaybookID: "child", Actor: "el-sys"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(result.Tasks) != 2 {
		t.Fatalf("expected 2 tasks (build merged, ship added), got %d", len(result.Tasks))
	}
	var buildTitle string
	for _, task := range result.Tasks {
		if task.Title == "build base-repo (overridden)" {
			buildTitle = task.Title
		}
	}
	if buildTitle == "" {
		t.Fatal("expected child's overridden build step title and inherited default variable")
	}
}
