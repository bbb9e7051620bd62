// Package handoff implements the handoff service (spec.md §4.8): the
// four-step sequence an agent runs to pass work along, either to itself
// (fresh context) or to another agent, leaving a document+message trail
// behind rather than mutating task state directly.
package handoff

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
)

// Store is the subset of internal/store.Store the handoff service needs.
type Store interface {
	GetEntity(id string) (*core.Entity, error)
	CreateDocument(d *core.Document, actor string) error
	CreateMessage(m *core.Message, actor string) error
	ListDocumentsByTag(tag string) ([]*core.Document, error)
	AppendEvent(elementID string, eventType core.EventType, actor string, oldValue, newValue interface{}) error
}

// Sessions is the subset of internal/session.Manager the handoff service
// needs to verify and suspend the outgoing session.
type Sessions interface {
	GetSession(id string) (*session.Session, error)
	SuspendSession(id string, reason string) error
}

// Service is the handoff service.
type Service struct {
	store    Store
	sessions Sessions
}

// New builds a handoff Service.
func New(store Store, sessions Sessions) *Service {
	return &Service{store: store, sessions: sessions}
}

// Options configures SelfHandoff/HandoffToAgent.
type Options struct {
	ContextSummary string
	NextSteps      string
	Reason         string
	TaskIDs        []string
	Metadata       map[string]interface{}
}

// Result is the outcome of a handoff attempt. On failure Success is false
// and Error names what went wrong; per spec.md §4.8 this is best-effort -
// writes already made before the failing step are not rolled back.
type Result struct {
	Success            bool
	HandoffDocumentID  string
	MessageID          string
	SuspendedSessionID string
	Error              error
}

// payload is the JSON content of the handoff document and the structured
// message payload, per spec.md §4.8 step 3/4.
type payload struct {
	Type              string   `json:"type"`
	FromAgentID       string   `json:"fromAgentId"`
	ToAgentID         string   `json:"toAgentId,omitempty"`
	ContextSummary    string   `json:"contextSummary"`
	NextSteps         string   `json:"nextSteps,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	ProviderSessionID string   `json:"providerSessionId"`
	TaskIDs           []string `json:"taskIds,omitempty"`
	CreatedAt         string   `json:"createdAt"`
}

// SelfHandoff hands work from agentId's current session to a fresh session
// of the same agent (spec.md §4.8).
func (s *Service) SelfHandoff(agentID, sessionID string, opts Options) Result {
	return s.handoff(agentID, sessionID, "", opts, "self")
}

// HandoffToAgent hands work from fromId to a different agent toId.
func (s *Service) HandoffToAgent(fromID, toID, sessionID string, opts Options) Result {
	return s.handoff(fromID, sessionID, toID, opts, "agent")
}

func (s *Service) handoff(fromID, sessionID, toID string, opts Options, kind string) Result {
	op := "handoff.selfHandoff"
	if kind == "agent" {
		op = "handoff.handoffToAgent"
	}

	// Step 1: session belongs to fromId and is running.
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		return Result{Error: core.NewError(core.CodeSessionNotFound, op, "look up session", err)}
	}
	if sess.AgentID != fromID {
		return Result{Error: core.NewErrorf(core.CodeWrongAgent, op, "session %s belongs to agent %s, not %s", sessionID, sess.AgentID, fromID)}
	}
	if sess.Status != session.StatusRunning {
		return Result{Error: core.NewErrorf(core.CodeValidation, op, "session %s is not running (status=%s)", sessionID, sess.Status)}
	}

	// Step 2: agent has a channel.
	fromEntity, err := s.store.GetEntity(fromID)
	if err != nil {
		return Result{Error: core.NewError(core.CodeAgentNotFound, op, "look up agent", err)}
	}
	agentMeta := fromEntity.Agent()
	if agentMeta == nil || agentMeta.ChannelID == "" {
		return Result{Error: core.NewErrorf(core.CodeValidation, op, "agent %s has no channel", fromID)}
	}

	postChannelID := agentMeta.ChannelID
	if kind == "agent" {
		toEntity, err := s.store.GetEntity(toID)
		if err != nil {
			return Result{Error: core.NewError(core.CodeAgentNotFound, op, "look up target agent", err)}
		}
		toMeta := toEntity.Agent()
		if toMeta == nil || toMeta.ChannelID == "" {
			return Result{Error: core.NewErrorf(core.CodeValidation, op, "target agent %s has no channel", toID)}
		}
		postChannelID = toMeta.ChannelID
	}

	now := time.Now().UTC()
	p := payload{
		Type:              "handoff",
		FromAgentID:       fromID,
		ToAgentID:         toID,
		ContextSummary:    opts.ContextSummary,
		NextSteps:         opts.NextSteps,
		Reason:            opts.Reason,
		ProviderSessionID: sess.ProviderSessionID,
		TaskIDs:           opts.TaskIDs,
		CreatedAt:         now.Format(time.RFC3339),
	}
	content, err := json.Marshal(p)
	if err != nil {
		return Result{Error: core.NewError(core.CodeValidation, op, "marshal handoff payload", err)}
	}

	meta := core.Metadata{"handoffType": kind, "fromAgentId": fromID}
	if toID != "" {
		meta["toAgentId"] = toID
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	tags := []string{"handoff"}
	if kind == "self" {
		tags = append(tags, "self-handoff")
	} else {
		tags = append(tags, "agent-handoff")
	}

	// Step 3: create the handoff document.
	doc := &core.Document{
		Element: core.Element{
			Tags:      tags,
			Metadata:  meta,
			CreatedBy: fromID,
		},
		Content:     string(content),
		ContentType: core.ContentJSON,
		Category:    "handoff",
	}
	if err := s.store.CreateDocument(doc, fromID); err != nil {
		return Result{Error: core.NewError(core.CodeDatabaseError, op, "create handoff document", err)}
	}

	// Step 4: post a message with the same structured payload. metadata.type
	// and handoffType mirror the document's tags/metadata shape (S5) so a
	// channel reader can filter on message type the same way a document
	// reader filters on tag.
	msgMeta := core.Metadata{
		"type":              "HANDOFF",
		"handoffType":       kind,
		"fromAgentId":       fromID,
		"handoffDocumentId": doc.ID,
	}
	if toID != "" {
		msgMeta["toAgentId"] = toID
	}
	msg := &core.Message{
		Element: core.Element{
			Metadata:  msgMeta,
			CreatedBy: fromID,
		},
		ChannelID: postChannelID,
		AuthorID:  fromID,
		Content:   string(content),
	}
	if err := s.store.CreateMessage(msg, fromID); err != nil {
		return Result{Error: core.NewError(core.CodeDatabaseError, op, "post handoff message", err)}
	}

	// Step 5: suspend the outgoing session.
	reason := fmt.Sprintf("Self-handoff: %s", opts.Reason)
	if kind == "agent" {
		reason = fmt.Sprintf("Handoff to %s: %s", toID, opts.Reason)
	}
	if err := s.sessions.SuspendSession(sessionID, reason); err != nil {
		return Result{
			Success:           false,
			HandoffDocumentID: doc.ID,
			MessageID:         msg.ID,
			Error:             core.NewError(core.CodeDatabaseError, op, "suspend outgoing session", err),
		}
	}

	target := toID
	if target == "" {
		target = fromID
	}
	if err := s.store.AppendEvent(fromID, core.EventHandoffOccurred, fromID,
		map[string]interface{}{"sessionId": sessionID},
		map[string]interface{}{"handoffDocumentId": doc.ID, "toAgentId": target, "kind": kind}); err != nil {
		log.Printf("[HANDOFF] record handoff-occurred event for %s: %v", fromID, err)
	}

	log.Printf("[HANDOFF] %s: agent %s -> %s (doc=%s, msg=%s, session=%s)", kind, fromID, toID, doc.ID, msg.ID, sessionID)
	return Result{
		Success:            true,
		HandoffDocumentID:  doc.ID,
		MessageID:          msg.ID,
		SuspendedSessionID: sessionID,
	}
}

// GetLastHandoff returns the most recent handoff document where agentId is
// the sender (self-handoffs and outgoing agent-to-agent handoffs), newest
// first.
func (s *Service) GetLastHandoff(agentID string) (*core.Document, error) {
	docs, err := s.store.ListDocumentsByTag("handoff")
	if err != nil {
		return nil, err
	}
	return newestMatching(docs, "fromAgentId", agentID)
}

// HasPendingHandoff reports whether any handoff document names agentId as
// toAgentId. Whether that handoff has since been acted on or superseded is
// not checked.
func (s *Service) HasPendingHandoff(agentID string) (bool, error) {
	docs, err := s.store.ListDocumentsByTag("handoff")
	if err != nil {
		return false, err
	}
	doc, err := newestMatching(docs, "toAgentId", agentID)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

func newestMatching(docs []*core.Document, metaKey, value string) (*core.Document, error) {
	var newest *core.Document
	for _, d := range docs {
		v, _ := d.Metadata[metaKey].(string)
		if v != value {
			continue
		}
		if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
			newest = d
		}
	}
	return newest, nil
}
