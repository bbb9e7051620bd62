package dispatch

import (
	"fmt"
	"log"
	"strings"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
)

// processInbox implements §4.9 step 8: for each agent with unread inbox
// items who is currently idle, spawn or resume a session with the unread
// items injected into the initial prompt, then mark them read.
func (d *Daemon) processInbox() {
	entities, err := d.store.ListEntities()
	if err != nil {
		log.Printf("[DISPATCH] listing entities for inbox pass: %v", err)
		return
	}

	for _, e := range entities {
		agent := e.Agent()
		if agent == nil || !e.IsActive {
			continue
		}
		if _, err := d.sessions.GetActiveSession(e.ID); err == nil {
			continue // not idle
		}

		items, err := d.store.ListInboxByRecipient(e.ID, core.InboxUnread)
		if err != nil || len(items) == 0 {
			continue
		}

		d.deliverInbox(e, items)
	}
}

// deliverInbox spawns (or resumes) a session for agent e with its unread
// items summarized in the initial prompt, then marks each item read.
func (d *Daemon) deliverInbox(e *core.Entity, items []*core.InboxItem) {
	prompt := inboxPrompt(items)

	var (
		s   *session.Session
		evt <-chan session.Event
		err error
	)
	if prior, rErr := d.sessions.GetMostRecentResumableSession(e.ID); rErr == nil {
		s, evt, err = d.sessions.ResumeSession(e.ID, session.ResumeOptions{ProviderSessionID: prior.ProviderSessionID})
	} else {
		s, evt, err = d.sessions.StartSession(e.ID, session.StartOptions{InitialPrompt: prompt})
	}
	if err != nil {
		log.Printf("[DISPATCH] inbox delivery for agent %s: %v", e.ID, err)
		return
	}
	go func() {
		for range evt {
		}
	}()

	for _, item := range items {
		if _, err := d.store.UpdateInboxItem(item.ID, map[string]interface{}{"status": string(core.InboxRead)}, d.opts.Actor); err != nil {
			log.Printf("[DISPATCH] mark inbox item %s read: %v", item.ID, err)
		}
	}
	log.Printf("[DISPATCH] delivered %d inbox item(s) to agent %s via session %s", len(items), e.ID, s.ID)
}

// inboxPrompt renders the unread items into a short initial prompt naming
// each message/channel pair, since the daemon only needs to notify the agent
// that input is waiting - the agent's own session reads full content via its
// normal tools.
func inboxPrompt(items []*core.InboxItem) string {
	var b strings.Builder
	b.WriteString("You have new inbox items:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- message %s in channel %s (source=%s)\n", item.MessageID, item.ChannelID, item.Source)
	}
	return b.String()
}
