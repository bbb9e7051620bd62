// Package session implements the external agent process lifecycle (§4.7):
// spawn, suspend, resume, terminate, and the event stream each session
// produces while running.
package session

import (
	"sync"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Status is the session state machine: starting -> running -> (suspended
// <-> running) -> terminated. The manager never re-infers state from the
// external process beyond exit events.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Mode is how the external process is attached: headless (no terminal) or
// interactive.
type Mode string

const (
	ModeHeadless    Mode = "headless"
	ModeInteractive Mode = "interactive"
)

// Session is the in-memory record of one external agent process, with a
// durable checkpoint written to the agent's entity metadata on transition.
type Session struct {
	ID                string
	ProviderSessionID string
	AgentID           string
	AgentRole         core.AgentRole
	Mode              Mode
	Status            Status
	WorkingDirectory  string
	Worktree          string
	PID               int
	CreatedAt         time.Time
	StartedAt         *time.Time
	LastActivityAt    *time.Time
	EndedAt           *time.Time
	TerminationReason string

	mu      sync.Mutex
	proc    *process
	events  chan Event
	done    chan struct{}
}

// snapshot returns a value copy safe to hand to callers without exposing the
// mutex or process handle.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.mu = sync.Mutex{}
	cp.proc = nil
	cp.events = nil
	cp.done = nil
	return &cp
}

// EventType is the closed vocabulary the process-spawn contract emits on
// stdout, one JSON object per line (§4.7, §6).
type EventType string

const (
	EventInit     EventType = "init"
	EventAssistant EventType = "assistant"
	EventToolUse  EventType = "tool-use"
	EventResult   EventType = "result"
	EventExit     EventType = "exit"
)

// Event is one parsed line from the external process's stdout.
type Event struct {
	Type      EventType
	Payload   map[string]interface{}
	Timestamp time.Time
}
