package session

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// interruptSignal returns the portable interrupt signal used to nudge a
// running process (graceful stop, or unblocking a stuck prompt).
// os.Interrupt is defined on every platform Go targets, unlike
// syscall.SIGINT which is Unix-only.
func interruptSignal() os.Signal { return os.Interrupt }

// Store is the subset of internal/store.Store the session manager needs to
// read/checkpoint agent entities.
type Store interface {
	GetEntity(id string) (*core.Entity, error)
	UpdateEntity(id string, patch map[string]interface{}, actor string) (*core.Entity, error)
	ListEntities() ([]*core.Entity, error)
}

// StartOptions configures startSession (§4.7).
type StartOptions struct {
	WorkingDirectory string
	Worktree         string
	InitialPrompt    string
	Mode             Mode
}

// ResumeOptions configures resumeSession (§4.7).
type ResumeOptions struct {
	ProviderSessionID string
	WorkingDirectory  string
	Worktree          string
}

// Manager is the session-manager service: it owns every live Session and
// the single external binary invocation that backs it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byAgent  map[string][]string // agentID -> session ids, oldest first

	store    Store
	launcher Launcher
	command  string
	baseArgs []string
	idSeq    int64
}

// New builds a Manager. command/baseArgs describe how to invoke the
// external agent binary (e.g. "claude", []string{"--output-format",
// "stream-json"}); launcher is swappable for tests.
func New(store Store, launcher Launcher, command string, baseArgs []string) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byAgent:  make(map[string][]string),
		store:    store,
		launcher: launcher,
		command:  command,
		baseArgs: baseArgs,
	}
}

func (m *Manager) nextID() string {
	m.idSeq++
	return fmt.Sprintf("sess-%d", m.idSeq)
}

// StartSession spawns a new external process for agentId. Fails
// ACTIVE_SESSION_EXISTS if the agent already has a starting/running
// session, AGENT_NOT_FOUND if the agent entity doesn't resolve.
func (m *Manager) StartSession(agentID string, opts StartOptions) (*Session, <-chan Event, error) {
	agent, err := m.store.GetEntity(agentID)
	if err != nil {
		return nil, nil, core.NewErrorf(core.CodeAgentNotFound, "session.startSession", "agent %s not found", agentID)
	}

	m.mu.Lock()
	if active := m.activeSessionIDLocked(agentID); active != "" {
		m.mu.Unlock()
		return nil, nil, core.NewErrorf(core.CodeActiveSessionExists, "session.startSession",
			"agent %s already has an active session %s", agentID, active)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeHeadless
	}
	now := time.Now().UTC()
	s := &Session{
		ID:               m.nextID(),
		AgentID:          agentID,
		AgentRole:        agentRole(agent),
		Mode:             mode,
		Status:           StatusStarting,
		WorkingDirectory: opts.WorkingDirectory,
		Worktree:         opts.Worktree,
		CreatedAt:        now,
		events:           make(chan Event, 64),
		done:             make(chan struct{}),
	}
	m.sessions[s.ID] = s
	m.byAgent[agentID] = append(m.byAgent[agentID], s.ID)
	m.mu.Unlock()

	args := append(append([]string{}, m.baseArgs...))
	proc, err := m.launcher.Launch(m.command, args, opts.WorkingDirectory, nil)
	if err != nil {
		s.mu.Lock()
		s.Status = StatusTerminated
		s.TerminationReason = "spawn-failed"
		endedAt := time.Now().UTC()
		s.EndedAt = &endedAt
		s.mu.Unlock()
		return nil, nil, core.NewError(core.CodeDatabaseError, "session.startSession", "spawn external process", err)
	}

	s.mu.Lock()
	s.proc = proc
	if proc.cmd.Process != nil {
		s.PID = proc.cmd.Process.Pid
	}
	s.mu.Unlock()

	if opts.InitialPrompt != "" {
		_, _ = proc.stdin.Write([]byte(opts.InitialPrompt + "\n"))
	}

	out := make(chan Event, 64)
	go m.driveSession(s, out)

	log.Printf("[SESSION] started session %s for agent %s (pid=%d, mode=%s)", s.ID, agentID, s.PID, mode)
	return s.snapshot(), out, nil
}

// ResumeSession reattaches to a provider session by id. The session starts
// in starting and becomes running on the first received event, same as a
// fresh start.
func (m *Manager) ResumeSession(agentID string, opts ResumeOptions) (*Session, <-chan Event, error) {
	agent, err := m.store.GetEntity(agentID)
	if err != nil {
		return nil, nil, core.NewErrorf(core.CodeAgentNotFound, "session.resumeSession", "agent %s not found", agentID)
	}

	m.mu.Lock()
	if active := m.activeSessionIDLocked(agentID); active != "" {
		m.mu.Unlock()
		return nil, nil, core.NewErrorf(core.CodeActiveSessionExists, "session.resumeSession",
			"agent %s already has an active session %s", agentID, active)
	}
	now := time.Now().UTC()
	s := &Session{
		ID:                m.nextID(),
		ProviderSessionID: opts.ProviderSessionID,
		AgentID:           agentID,
		AgentRole:         agentRole(agent),
		Mode:              ModeHeadless,
		Status:            StatusStarting,
		WorkingDirectory:  opts.WorkingDirectory,
		Worktree:          opts.Worktree,
		CreatedAt:         now,
		events:            make(chan Event, 64),
		done:              make(chan struct{}),
	}
	m.sessions[s.ID] = s
	m.byAgent[agentID] = append(m.byAgent[agentID], s.ID)
	m.mu.Unlock()

	args := append(append([]string{}, m.baseArgs...), "--resume", opts.ProviderSessionID)
	proc, err := m.launcher.Launch(m.command, args, opts.WorkingDirectory, nil)
	if err != nil {
		s.mu.Lock()
		s.Status = StatusTerminated
		s.TerminationReason = "resume-failed"
		endedAt := time.Now().UTC()
		s.EndedAt = &endedAt
		s.mu.Unlock()
		return nil, nil, core.NewError(core.CodeDatabaseError, "session.resumeSession", "spawn external process", err)
	}

	s.mu.Lock()
	s.proc = proc
	if proc.cmd.Process != nil {
		s.PID = proc.cmd.Process.Pid
	}
	s.mu.Unlock()

	out := make(chan Event, 64)
	go m.driveSession(s, out)

	log.Printf("[SESSION] resumed session %s for agent %s (providerSessionId=%s)", s.ID, agentID, opts.ProviderSessionID)
	return s.snapshot(), out, nil
}

// driveSession pumps events from the process, updating session state and
// the durable checkpoint as they arrive, until the process exits.
func (m *Manager) driveSession(s *Session, out chan<- Event) {
	defer close(out)
	defer close(s.done)

	internal := make(chan Event, 64)
	go pump(s.ID, s.proc, internal)

	for evt := range internal {
		s.mu.Lock()
		now := evt.Timestamp
		s.LastActivityAt = &now
		switch evt.Type {
		case EventInit:
			if s.Status == StatusStarting {
				s.Status = StatusRunning
				s.StartedAt = &now
			}
			if sid, ok := evt.Payload["sessionId"].(string); ok && sid != "" {
				s.ProviderSessionID = sid
			}
			m.checkpoint(s)
		case EventExit:
			s.Status = StatusTerminated
			if reason, ok := evt.Payload["reason"].(string); ok {
				s.TerminationReason = reason
			} else {
				s.TerminationReason = "exit"
			}
			s.EndedAt = &now
			m.checkpoint(s)
		case EventAssistant, EventResult:
			if s.Status == StatusStarting {
				s.Status = StatusRunning
				s.StartedAt = &now
			}
			if text := messageText(evt.Payload); text != "" && looksLikeRateLimit(text) {
				resetAt := ResetTimeForRateLimit(text, now)
				s.Status = StatusSuspended
				s.TerminationReason = "rate-limited"
				m.recordRateLimit(s, resetAt)
			}
			m.checkpoint(s)
		default:
			if s.Status == StatusStarting {
				s.Status = StatusRunning
				s.StartedAt = &now
			}
		}
		s.mu.Unlock()
		out <- evt
	}
}

// looksLikeRateLimit is a cheap keyword gate before running the reset-time
// regex over every assistant/result message (§4.7's rate-limit handling).
func looksLikeRateLimit(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "usage limit")
}

// messageText pulls the free-text content out of an assistant/result event
// payload, tolerating either a flat "message" string or the nested
// {"message": {"content": "..."}} shape the process-spawn contract allows.
func messageText(payload map[string]interface{}) string {
	if s, ok := payload["message"].(string); ok {
		return s
	}
	if m, ok := payload["message"].(map[string]interface{}); ok {
		if s, ok := m["content"].(string); ok {
			return s
		}
	}
	if s, ok := payload["content"].(string); ok {
		return s
	}
	return ""
}

// agentPatch loads the agent's current metadata and returns a full
// metadata.agent map with fields overridden, so a checkpoint write never
// clobbers sibling fields (channelId, triggers, an in-flight rate-limit
// reset) the way writing a bare subset would - Update merges "metadata" as
// one opaque key, not field-by-field (elements.go's Update).
func (m *Manager) agentPatch(agentID string, override func(*core.AgentMetadata)) map[string]interface{} {
	agent := core.AgentMetadata{}
	if e, err := m.store.GetEntity(agentID); err == nil {
		if a := e.Agent(); a != nil {
			agent = *a
		}
	}
	override(&agent)
	return map[string]interface{}{"metadata": core.Metadata{"agent": agent}}
}

// recordRateLimit persists the resolved reset time on the agent entity so
// the dispatch daemon can decide when the worker becomes eligible again.
// Caller must hold s.mu.
func (m *Manager) recordRateLimit(s *Session, resetAt time.Time) {
	patch := m.agentPatch(s.AgentID, func(a *core.AgentMetadata) {
		a.SessionStatus = core.SessionSuspended
		a.RateLimitResetAt = &resetAt
	})
	if _, err := m.store.UpdateEntity(s.AgentID, patch, "el-sys"); err != nil {
		log.Printf("[SESSION] rate-limit checkpoint failed for agent %s: %v", s.AgentID, err)
	}
}

// checkpoint writes the session's status, and enough of its identity to
// rebuild a resumable/reconcilable candidate after a restart, to the agent
// entity's metadata snapshot - the durable checkpoint spec.md §3 describes,
// since the Session struct itself only lives in process memory. Caller
// must hold s.mu.
func (m *Manager) checkpoint(s *Session) {
	patch := m.agentPatch(s.AgentID, func(a *core.AgentMetadata) {
		a.SessionStatus = sessionStatusFor(s.Status)
		a.LastSessionAt = s.LastActivityAt
		a.LastSessionID = s.ID
		a.LastSessionPID = s.PID
		a.LastProviderSessionID = s.ProviderSessionID
		a.LastSessionWorkingDir = s.WorkingDirectory
		a.LastSessionWorktree = s.Worktree
	})
	if _, err := m.store.UpdateEntity(s.AgentID, patch, "el-sys"); err != nil {
		log.Printf("[SESSION] checkpoint write failed for agent %s: %v", s.AgentID, err)
	}
}

func sessionStatusFor(s Status) core.SessionStatus {
	switch s {
	case StatusRunning, StatusStarting:
		return core.SessionRunning
	case StatusSuspended:
		return core.SessionSuspended
	default:
		return core.SessionTerminated
	}
}

func agentRole(e *core.Entity) core.AgentRole {
	if a := e.Agent(); a != nil {
		return a.AgentRole
	}
	return ""
}

// StopSession ends a session. If graceful, it sends an interrupt and waits
// up to gracePeriod before force-killing; otherwise it kills immediately.
func (m *Manager) StopSession(id string, graceful bool, reason string, gracePeriod time.Duration) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status == StatusTerminated {
		return nil
	}
	if s.proc != nil && s.proc.cmd.Process != nil {
		if graceful {
			_ = s.proc.cmd.Process.Signal(interruptSignal())
			select {
			case <-s.done:
			case <-time.After(gracePeriod):
				_ = s.proc.cmd.Process.Kill()
			}
		} else {
			_ = s.proc.cmd.Process.Kill()
		}
	}

	s.Status = StatusTerminated
	s.TerminationReason = reason
	now := time.Now().UTC()
	s.EndedAt = &now
	m.checkpoint(s)
	log.Printf("[SESSION] stopped session %s (graceful=%v, reason=%s)", id, graceful, reason)
	return nil
}

// SuspendSession ends the OS process but preserves providerSessionId so
// resumeSession can continue it later.
func (m *Manager) SuspendSession(id string, reason string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil && s.proc.cmd.Process != nil {
		_ = s.proc.cmd.Process.Kill()
	}
	s.Status = StatusSuspended
	s.TerminationReason = reason
	m.checkpoint(s)
	log.Printf("[SESSION] suspended session %s: %s", id, reason)
	return nil
}

// MessageSession sends input to a running session. No-op returning failure
// if the session is not running.
func (m *Manager) MessageSession(id, message string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusRunning || s.proc == nil {
		return core.NewErrorf(core.CodeValidation, "session.messageSession", "session %s is not running", id)
	}
	_, werr := s.proc.stdin.Write([]byte(message + "\n"))
	if werr != nil {
		return core.NewError(core.CodeDatabaseError, "session.messageSession", "write to session stdin", werr)
	}
	return nil
}

// InterruptSession emits an interrupt signal to a running session, meant to
// unblock a stuck prompt.
func (m *Manager) InterruptSession(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusRunning || s.proc == nil || s.proc.cmd.Process == nil {
		return core.NewErrorf(core.CodeValidation, "session.interruptSession", "session %s is not running", id)
	}
	return s.proc.cmd.Process.Signal(interruptSignal())
}

// GetSession returns a snapshot of one session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// GetActiveSession returns the agent's current starting/running session, if
// any.
func (m *Manager) GetActiveSession(agentID string) (*Session, error) {
	m.mu.Lock()
	id := m.activeSessionIDLocked(agentID)
	m.mu.Unlock()
	if id == "" {
		return nil, core.NewErrorf(core.CodeSessionNotFound, "session.getActiveSession", "agent %s has no active session", agentID)
	}
	return m.GetSession(id)
}

func (m *Manager) activeSessionIDLocked(agentID string) string {
	for _, id := range m.byAgent[agentID] {
		s := m.sessions[id]
		s.mu.Lock()
		active := s.Status == StatusStarting || s.Status == StatusRunning
		s.mu.Unlock()
		if active {
			return id
		}
	}
	return ""
}

// Filter narrows ListSessions.
type Filter struct {
	AgentID string
	Role    core.AgentRole
	Status  Status
}

// ListSessions returns every session matching filter, in creation order.
func (m *Manager) ListSessions(f Filter) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	if f.AgentID != "" {
		ids = m.byAgent[f.AgentID]
	} else {
		for id := range m.sessions {
			ids = append(ids, id)
		}
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s := m.sessions[id]
		s.mu.Lock()
		snap := s.snapshot()
		s.mu.Unlock()
		if f.Role != "" && snap.AgentRole != f.Role {
			continue
		}
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetMostRecentResumableSession returns the latest session for agentId that
// still carries a providerSessionId and is not terminated.
func (m *Manager) GetMostRecentResumableSession(agentID string) (*Session, error) {
	sessions := m.ListSessions(Filter{AgentID: agentID})
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		if s.ProviderSessionID != "" && s.Status != StatusTerminated {
			return s, nil
		}
	}
	return nil, core.NewErrorf(core.CodeSessionNotFound, "session.getMostRecentResumableSession",
		"agent %s has no resumable session", agentID)
}

// ReconcileOnStartup marks every starting/running session whose OS process
// is gone as terminated with terminationReason="reconciled", the same
// liveness check the teacher's persistence layer uses to drop disconnected
// agents.
//
// A real daemon restart begins with empty sessions/byAgent maps - nothing
// survives process exit in memory - so the first pass only catches sessions
// this same process already knows about (exercised by tests that inject one
// directly). The second pass is what makes reconciliation real across an
// actual restart: it reloads every agent entity's durable checkpoint
// (written by checkpoint(), §4.7/§3 "durable checkpoint") and rebuilds a
// terminated Session record for any agent whose last known status was
// starting/running and whose checkpointed PID is no longer alive.
func (m *Manager) ReconcileOnStartup() (reconciled int, errs []error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	knownAgents := make(map[string]bool, len(m.byAgent))
	for agentID := range m.byAgent {
		knownAgents[agentID] = true
	}
	m.mu.Unlock()

	for _, id := range ids {
		s := m.sessions[id]
		s.mu.Lock()
		needsReconcile := (s.Status == StatusStarting || s.Status == StatusRunning) && !alive(s.PID)
		if needsReconcile {
			s.Status = StatusTerminated
			s.TerminationReason = "reconciled"
			now := time.Now().UTC()
			s.EndedAt = &now
		}
		s.mu.Unlock()
		if needsReconcile {
			m.checkpoint(s)
			reconciled++
		}
	}

	agents, err := m.store.ListEntities()
	if err != nil {
		errs = append(errs, err)
		log.Printf("[SESSION] reconcileOnStartup: %d sessions reconciled", reconciled)
		return reconciled, errs
	}
	for _, e := range agents {
		if knownAgents[e.ID] {
			continue
		}
		a := e.Agent()
		if a == nil || a.SessionStatus != core.SessionRunning || a.LastSessionID == "" {
			continue
		}
		if alive(a.LastSessionPID) {
			continue
		}
		now := time.Now().UTC()
		s := &Session{
			ID:                a.LastSessionID,
			ProviderSessionID: a.LastProviderSessionID,
			AgentID:           e.ID,
			AgentRole:         agentRole(e),
			Status:            StatusTerminated,
			WorkingDirectory:  a.LastSessionWorkingDir,
			Worktree:          a.LastSessionWorktree,
			PID:               a.LastSessionPID,
			CreatedAt:         now,
			EndedAt:           &now,
			TerminationReason: "reconciled",
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.byAgent[e.ID] = append(m.byAgent[e.ID], s.ID)
		m.mu.Unlock()
		m.checkpoint(s)
		reconciled++
	}

	log.Printf("[SESSION] reconcileOnStartup: %d sessions reconciled", reconciled)
	return reconciled, errs
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.NewErrorf(core.CodeSessionNotFound, "session.get", "session %s not found", id)
	}
	return s, nil
}
