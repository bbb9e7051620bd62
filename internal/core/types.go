// Package core holds the shared element vocabulary, error taxonomy and id
// allocation that every other package builds on - the base record shape and
// closed enums of the data model.
package core

import (
	"encoding/json"
	"time"
)

// ElementType tags which variant an Element row holds.
type ElementType string

const (
	ElementTask       ElementType = "task"
	ElementWorkflow   ElementType = "workflow"
	ElementPlan       ElementType = "plan"
	ElementEntity     ElementType = "entity"
	ElementTeam       ElementType = "team"
	ElementChannel    ElementType = "channel"
	ElementMessage    ElementType = "message"
	ElementDocument   ElementType = "document"
	ElementLibrary    ElementType = "library"
	ElementPlaybook   ElementType = "playbook"
	ElementDependency ElementType = "dependency"
	ElementEvent      ElementType = "event"
	ElementInboxItem  ElementType = "inbox-item"
)

// TaskStatus is the closed status enum for task elements.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskClosed     TaskStatus = "closed"
	TaskDeferred   TaskStatus = "deferred"
	TaskTombstone  TaskStatus = "tombstone"
)

// Terminal reports whether a task status is terminal (no further transitions).
func (s TaskStatus) Terminal() bool {
	return s == TaskClosed || s == TaskTombstone
}

// TaskPriority: 1 (critical) .. 5 (lowest).
type TaskPriority int

// TaskType closed enum.
type TaskType string

const (
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeTask    TaskType = "task"
	TaskTypeChore   TaskType = "chore"
)

// WorkflowStatus closed enum.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// PlanStatus closed enum.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// EntityType closed enum.
type EntityType string

const (
	EntityHuman  EntityType = "human"
	EntityAgent  EntityType = "agent"
	EntitySystem EntityType = "system"
)

// AgentRole closed enum (metadata.agent.agentRole).
type AgentRole string

const (
	AgentDirector AgentRole = "director"
	AgentWorker   AgentRole = "worker"
	AgentSteward  AgentRole = "steward"
)

// WorkerMode closed enum (metadata.agent.workerMode).
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// SessionStatus mirrors the session state machine on the entity's metadata
// snapshot (the authoritative per-session record lives in internal/session).
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionRunning    SessionStatus = "running"
	SessionSuspended  SessionStatus = "suspended"
	SessionTerminated SessionStatus = "terminated"
)

// InboxSource closed enum.
type InboxSource string

const (
	InboxDirect  InboxSource = "direct"
	InboxMention InboxSource = "mention"
)

// InboxStatus closed enum.
type InboxStatus string

const (
	InboxUnread   InboxStatus = "unread"
	InboxRead     InboxStatus = "read"
	InboxArchived InboxStatus = "archived"
)

// DependencyType closed enum. Blocking types participate in cycle detection
// and readiness; relates-to does not.
type DependencyType string

const (
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"
	DepRelatesTo   DependencyType = "relates-to"
)

// IsBlocking reports whether this dependency type participates in cycle
// detection and readiness (spec §3, §4.2).
func (t DependencyType) IsBlocking() bool {
	return t == DepBlocks || t == DepParentChild || t == DepAwaits
}

// ContentType closed enum for documents.
type ContentType string

const (
	ContentMarkdown ContentType = "markdown"
	ContentText     ContentType = "text"
	ContentJSON     ContentType = "json"
)

// System document categories excluded from external sync.
const (
	CategoryTaskDescription = "task-description"
	CategoryMessageContent  = "message-content"
)

// EventType is the closed audit-event vocabulary (§3, §6).
type EventType string

const (
	EventCreated           EventType = "created"
	EventUpdated           EventType = "updated"
	EventDeleted           EventType = "deleted"
	EventStatusChanged     EventType = "status-changed"
	EventDependencyAdded   EventType = "dependency-added"
	EventDependencyRemoved EventType = "dependency-removed"
	EventClaimed           EventType = "claimed"
	EventAssigned          EventType = "assigned"
	EventHandoffOccurred   EventType = "handoff-occurred"
	EventPlanTaskAdded     EventType = "plan-task-added"
	EventPlanTaskRemoved   EventType = "plan-task-removed"
	EventTaskDispatched    EventType = "task-dispatched"
	EventStewardFired      EventType = "steward-fired"
)

// Metadata is a JSON-scalar-or-nested-map bag. Keys are lowercase by
// convention; callers that need a typed view (e.g. agent metadata) use the
// AgentMetadata helper below rather than indexing this map ad hoc.
type Metadata map[string]interface{}

// AgentMetadata is the typed shape of metadata["agent"] on entity elements.
type AgentMetadata struct {
	AgentRole          AgentRole     `json:"agentRole"`
	WorkerMode         WorkerMode    `json:"workerMode,omitempty"`
	SessionStatus      SessionStatus `json:"sessionStatus,omitempty"`
	ChannelID          string        `json:"channelId,omitempty"`
	MaxConcurrentTasks int           `json:"maxConcurrentTasks,omitempty"`
	Triggers           []string      `json:"triggers,omitempty"`
	RateLimitResetAt   *time.Time    `json:"rateLimitResetAt,omitempty"`
	LastSessionAt      *time.Time    `json:"lastSessionAt,omitempty"`

	// LastSession* persist just enough of the process-local Session for
	// the session manager to rebuild a resumable/reconcilable candidate
	// after a daemon restart, since the Session struct itself lives only
	// in memory (spec.md §4.7 reconcileOnStartup).
	LastSessionID         string `json:"lastSessionId,omitempty"`
	LastSessionPID        int    `json:"lastSessionPid,omitempty"`
	LastProviderSessionID string `json:"lastProviderSessionId,omitempty"`
	LastSessionWorkingDir string `json:"lastSessionWorkingDir,omitempty"`
	LastSessionWorktree   string `json:"lastSessionWorktree,omitempty"`
}

// Element is the common base record embedded by every typed variant.
type Element struct {
	ID        string      `json:"id"`
	Type      ElementType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	CreatedBy string      `json:"createdBy"`
	Tags      []string    `json:"tags"`
	Metadata  Metadata    `json:"metadata"`
}

// HasTag reports whether the element carries the given tag.
func (e *Element) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Task extends Element, type=task.
type Task struct {
	Element
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`
	Complexity     int        `json:"complexity"`
	TaskType       TaskType   `json:"taskType"`
	Assignee       string     `json:"assignee,omitempty"`
	DescriptionRef string     `json:"descriptionRef,omitempty"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	ExternalRef    string     `json:"externalRef,omitempty"`
}

// Workflow extends Element, type=workflow.
type Workflow struct {
	Element
	Title         string         `json:"title"`
	Status        WorkflowStatus `json:"status"`
	Ephemeral     bool           `json:"ephemeral"`
	Variables     Metadata       `json:"variables"`
	PlaybookID    string         `json:"playbookId,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CancelReason  string         `json:"cancelReason,omitempty"`
}

// Plan extends Element, type=plan.
type Plan struct {
	Element
	Title  string     `json:"title"`
	Status PlanStatus `json:"status"`
}

// Entity extends Element, type=entity.
type Entity struct {
	Element
	Name       string     `json:"name"`
	EntityType EntityType `json:"entityType"`
	IsActive   bool       `json:"isActive"`
}

// Agent returns the typed agent metadata view, or nil if this entity is not
// an agent (or carries no agent metadata yet). metadata["agent"] arrives as
// either a *AgentMetadata (set in-process, e.g. by tests) or a
// map[string]interface{} (decoded from the JSON metadata blob), so both
// shapes are handled.
func (e *Entity) Agent() *AgentMetadata {
	raw, ok := e.Metadata["agent"]
	if !ok || raw == nil {
		return nil
	}
	if m, ok := raw.(*AgentMetadata); ok {
		return m
	}
	if m, ok := raw.(AgentMetadata); ok {
		return &m
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m AgentMetadata
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil
	}
	return &m
}

// Team extends Element, type=team.
type Team struct {
	Element
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// HasMember reports whether entityID belongs to the team.
func (t *Team) HasMember(entityID string) bool {
	for _, m := range t.Members {
		if m == entityID {
			return true
		}
	}
	return false
}

// Channel extends Element, type=channel.
type Channel struct {
	Element
	Name string `json:"name"`
}

// Message extends Element, type=message.
type Message struct {
	Element
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
}

// InboxItem extends Element, type=inbox-item.
type InboxItem struct {
	Element
	RecipientID string      `json:"recipientId"`
	MessageID   string      `json:"messageId"`
	ChannelID   string      `json:"channelId"`
	Source      InboxSource `json:"source"`
	Status      InboxStatus `json:"status"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
}

// Document extends Element, type=document.
type Document struct {
	Element
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Category    string      `json:"category,omitempty"`
	Title       string      `json:"title,omitempty"`
}

// Library extends Element, type=library.
type Library struct {
	Element
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// Dependency is a typed directed edge (blocker -> blocked).
type Dependency struct {
	BlockedID string         `json:"blockedId"`
	BlockerID string         `json:"blockerId"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy"`
	Metadata  Metadata       `json:"metadata,omitempty"`
}

// Event is the append-only audit record (§3, §6).
type Event struct {
	ID        string      `json:"id"`
	ElementID string      `json:"elementId"`
	EventType EventType   `json:"eventType"`
	Actor     string      `json:"actor"`
	OldValue  interface{} `json:"oldValue,omitempty"`
	NewValue  interface{} `json:"newValue,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Filter is the query shape accepted by list/listPaginated (§4.1).
type Filter struct {
	Type   ElementType
	Tags   []string
	Status string
	Limit  int
	Offset int
}
