package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root, err := os.MkdirTemp("", "worktree-mgr-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test")
	os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0644)
	run("add", ".")
	run("commit", "-m", "initial")

	return root
}

func TestInitWorkspaceIdempotent(t *testing.T) {
	root := initTestRepo(t)
	m := New(root)

	if err := m.InitWorkspace(); err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if err := m.InitWorkspace(); err != nil {
		t.Fatalf("InitWorkspace should be idempotent, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, worktreesDir)); err != nil {
		t.Fatalf("expected .worktrees directory created: %v", err)
	}
}

func TestCreateListRemoveWorktree(t *testing.T) {
	root := initTestRepo(t)
	m := New(root)
	if err := m.InitWorkspace(); err != nil {
		t.Fatal(err)
	}

	taskID := "el-task-001"
	path, err := m.CreateWorktree(taskID, "HEAD", false)
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	expected := filepath.Join(root, worktreesDir, core.SanitizeForPath(taskID))
	if path != expected {
		t.Fatalf("expected path %s, got %s", expected, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected worktree directory to exist: %v", err)
	}

	if _, err := m.CreateWorktree(taskID, "HEAD", false); !core.IsCode(err, core.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS on duplicate create, got %v", err)
	}

	worktrees, err := m.ListWorktrees()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range worktrees {
		if w.Path == path {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among listed worktrees, got %+v", path, worktrees)
	}

	if err := m.RemoveWorktreeForTask(taskID, false); err != nil {
		t.Fatalf("RemoveWorktreeForTask: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree directory removed, stat err = %v", err)
	}
}

func TestCreateWorktreeForceReplacesExisting(t *testing.T) {
	root := initTestRepo(t)
	m := New(root)
	if err := m.InitWorkspace(); err != nil {
		t.Fatal(err)
	}

	taskID := "el-task-002"
	if _, err := m.CreateWorktree(taskID, "HEAD", false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CreateWorktree(taskID, "HEAD", true); err != nil {
		t.Fatalf("expected force create to succeed, got %v", err)
	}
}
