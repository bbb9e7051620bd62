package session

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"testing"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// fakeStore is an in-memory stand-in for internal/store.Store, scoped to
// the entity operations the session manager needs.
type fakeStore struct {
	mu       sync.Mutex
	entities map[string]*core.Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: map[string]*core.Entity{}}
}

func (f *fakeStore) put(e *core.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
}

func (f *fakeStore) GetEntity(id string) (*core.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, core.NewErrorf(core.CodeNotFound, "fakeStore.getEntity", "entity %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) UpdateEntity(id string, patch map[string]interface{}, actor string) (*core.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, core.NewErrorf(core.CodeNotFound, "fakeStore.updateEntity", "entity %s not found", id)
	}
	if meta, ok := patch["metadata"].(core.Metadata); ok {
		e.Metadata = meta
	}
	return e, nil
}

func (f *fakeStore) ListEntities() ([]*core.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// fakeLauncher doesn't exec anything real; it just writes canned lines
// down an in-memory pipe, letting tests drive the newline-delimited-JSON
// process-spawn contract directly.
type fakeLauncher struct {
	script []string // lines to emit on "stdout"
}

func (l *fakeLauncher) Launch(command string, args []string, workingDir string, env []string) (*process, error) {
	pr, pw := io.Pipe()
	stdinR, stdinW := io.Pipe()
	go func() {
		defer pw.Close()
		for _, line := range l.script {
			fmt.Fprintln(pw, line)
		}
	}()
	go io.Copy(io.Discard, stdinR)

	cmd := exec.Command("true")
	return &process{cmd: cmd, stdin: stdinW, stdout: pr}, nil
}

func newTestManager(script []string) (*Manager, *fakeStore) {
	store := newFakeStore()
	store.put(&core.Entity{
		Element:    core.Element{ID: "el-agent1", Type: core.ElementEntity},
		Name:       "agent1",
		EntityType: core.EntityAgent,
		IsActive:   true,
	})
	m := New(store, &fakeLauncher{script: script}, "fake-binary", nil)
	return m, store
}

func TestStartSessionEmitsInitThenRunning(t *testing.T) {
	m, _ := newTestManager([]string{
		`{"type":"init","sessionId":"prov-123"}`,
		`{"type":"assistant","text":"hi"}`,
	})

	s, events, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusStarting {
		t.Fatalf("expected starting status immediately after spawn, got %v", s.Status)
	}

	var seen []EventType
	for evt := range events {
		seen = append(seen, evt.Type)
	}
	if len(seen) != 2 || seen[0] != EventInit || seen[1] != EventAssistant {
		t.Fatalf("unexpected event sequence: %v", seen)
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running after init event, got %v", got.Status)
	}
	if got.ProviderSessionID != "prov-123" {
		t.Fatalf("expected providerSessionId captured from init event, got %q", got.ProviderSessionID)
	}
}

func TestStartSessionRejectsDuplicateActiveSession(t *testing.T) {
	m, _ := newTestManager([]string{`{"type":"init","sessionId":"prov-1"}`})

	_, events1, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	for range events1 {
	}

	_, _, err = m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if !core.IsCode(err, core.CodeActiveSessionExists) {
		t.Fatalf("expected ACTIVE_SESSION_EXISTS, got %v", err)
	}
}

func TestStartSessionUnknownAgentFails(t *testing.T) {
	m, _ := newTestManager(nil)
	_, _, err := m.StartSession("el-ghost", StartOptions{WorkingDirectory: "/tmp"})
	if !core.IsCode(err, core.CodeAgentNotFound) {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestSessionTerminatesOnExitEvent(t *testing.T) {
	m, _ := newTestManager([]string{
		`{"type":"init","sessionId":"prov-1"}`,
		`{"type":"exit","reason":"closed-task"}`,
	})

	s, events, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusTerminated {
		t.Fatalf("expected terminated after exit event, got %v", got.Status)
	}
	if got.TerminationReason != "closed-task" {
		t.Fatalf("expected termination reason from exit event, got %q", got.TerminationReason)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected endedAt set")
	}
}

func TestGetMostRecentResumableSessionSkipsTerminated(t *testing.T) {
	m, _ := newTestManager([]string{
		`{"type":"init","sessionId":"prov-old"}`,
		`{"type":"exit","reason":"done"}`,
	})
	_, events1, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	for range events1 {
	}

	_, err = m.GetMostRecentResumableSession("el-agent1")
	if !core.IsCode(err, core.CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND since the only session terminated, got %v", err)
	}
}

func TestListSessionsFiltersByAgentAndStatus(t *testing.T) {
	m, _ := newTestManager([]string{`{"type":"init","sessionId":"prov-1"}`})
	s, events, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}

	all := m.ListSessions(Filter{AgentID: "el-agent1"})
	if len(all) != 1 || all[0].ID != s.ID {
		t.Fatalf("expected one session for el-agent1, got %+v", all)
	}

	running := m.ListSessions(Filter{AgentID: "el-agent1", Status: StatusRunning})
	if len(running) != 1 {
		t.Fatalf("expected session to show as running, got %+v", running)
	}

	none := m.ListSessions(Filter{AgentID: "el-agent1", Status: StatusTerminated})
	if len(none) != 0 {
		t.Fatalf("expected no terminated sessions yet, got %+v", none)
	}
}

func TestRateLimitMessageSuspendsSessionAndRecordsReset(t *testing.T) {
	m, store := newTestManager([]string{
		`{"type":"init","sessionId":"prov-1"}`,
		`{"type":"assistant","message":"You've hit the rate limit. It resets 3pm."}`,
	})
	s, events, err := m.StartSession("el-agent1", StartOptions{WorkingDirectory: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSuspended {
		t.Fatalf("expected suspended after rate-limit message, got %v", got.Status)
	}

	agent, err := store.GetEntity("el-agent1")
	if err != nil {
		t.Fatal(err)
	}
	meta := agent.Agent()
	if meta == nil || meta.RateLimitResetAt == nil {
		t.Fatalf("expected rateLimitResetAt recorded on agent, got %+v", meta)
	}
}

func TestReconcileOnStartupMarksDeadProcessesTerminated(t *testing.T) {
	m, _ := newTestManager(nil)
	s := &Session{
		ID:      "sess-dead",
		AgentID: "el-agent1",
		Status:  StatusRunning,
		PID:     1 << 30, // astronomically unlikely to be a live pid
		done:    make(chan struct{}),
		events:  make(chan Event),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byAgent[s.AgentID] = append(m.byAgent[s.AgentID], s.ID)
	m.mu.Unlock()

	reconciled, errs := m.ReconcileOnStartup()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 session reconciled, got %d", reconciled)
	}
	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusTerminated || got.TerminationReason != "reconciled" {
		t.Fatalf("expected reconciled termination, got %+v", got)
	}
}

// TestReconcileOnStartupAcrossRealRestart covers the actual daemon-restart
// path: a brand new Manager, with empty sessions/byAgent maps, reconciling
// purely off the agent's durable checkpoint metadata (no in-memory Session
// injected).
func TestReconcileOnStartupAcrossRealRestart(t *testing.T) {
	store := newFakeStore()
	store.put(&core.Entity{
		Element: core.Element{ID: "el-agent1", Type: core.ElementEntity,
			Metadata: core.Metadata{
				"agent": &core.AgentMetadata{
					AgentRole:             core.AgentWorker,
					SessionStatus:         core.SessionRunning,
					LastSessionID:         "sess-before-crash",
					LastSessionPID:        1 << 30, // not a live pid
					LastProviderSessionID: "provider-xyz",
					LastSessionWorkingDir: "/work/el-task-1",
				},
			},
		},
		Name:       "agent1",
		EntityType: core.EntityAgent,
		IsActive:   true,
	})
	m := New(store, &fakeLauncher{}, "fake-binary", nil)

	reconciled, errs := m.ReconcileOnStartup()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 session reconciled from checkpoint, got %d", reconciled)
	}

	got, err := m.GetSession("sess-before-crash")
	if err != nil {
		t.Fatalf("expected rebuilt session sess-before-crash, got error: %v", err)
	}
	if got.Status != StatusTerminated || got.TerminationReason != "reconciled" {
		t.Fatalf("expected reconciled termination, got %+v", got)
	}
	if got.ProviderSessionID != "provider-xyz" {
		t.Fatalf("expected providerSessionId carried over, got %q", got.ProviderSessionID)
	}

	agent, err := store.GetEntity("el-agent1")
	if err != nil {
		t.Fatal(err)
	}
	if meta := agent.Agent(); meta == nil || meta.SessionStatus != core.SessionTerminated {
		t.Fatalf("expected agent checkpoint updated to terminated, got %+v", meta)
	}
}
