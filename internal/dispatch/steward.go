package dispatch

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/session"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// fireStewards implements §4.9 step 7: for each steward agent, evaluate its
// cron triggers and spawn an untasked session for every one that is due.
// Each firing is recorded as a steward-fired event (§ SPEC_FULL supplement)
// so a restart doesn't re-fire a trigger whose previous firing hasn't yet
// produced a new event.
func (d *Daemon) fireStewards(now time.Time) {
	entities, err := d.store.ListEntities()
	if err != nil {
		log.Printf("[DISPATCH] listing entities for steward pass: %v", err)
		return
	}

	for _, e := range entities {
		agent := e.Agent()
		if agent == nil || agent.AgentRole != core.AgentSteward || !e.IsActive {
			continue
		}
		for _, trigger := range agent.Triggers {
			if d.stewardDue(e.ID, trigger, now) {
				d.fireSteward(e, trigger, now)
			}
		}
	}
}

// stewardDue reports whether trigger (a standard 5-field cron expression) is
// due to fire for agentID, given the next-due time recorded the last time it
// fired (or was first observed).
func (d *Daemon) stewardDue(agentID, trigger string, now time.Time) bool {
	key := agentID + "|" + trigger
	sched, err := cronParser.Parse(trigger)
	if err != nil {
		log.Printf("[DISPATCH] steward %s: invalid trigger %q: %v", agentID, trigger, err)
		return false
	}

	next, seen := d.stewardNextDue[key]
	if !seen {
		// First time this trigger has been observed: arm it for its next
		// scheduled occurrence rather than firing immediately on daemon
		// startup.
		d.stewardNextDue[key] = sched.Next(now)
		return false
	}
	return !now.Before(next)
}

// fireSteward spawns an untasked session for the steward, records the
// firing, and re-arms the trigger for its next occurrence.
func (d *Daemon) fireSteward(e *core.Entity, trigger string, now time.Time) {
	key := e.ID + "|" + trigger
	sched, err := cronParser.Parse(trigger)
	if err == nil {
		d.stewardNextDue[key] = sched.Next(now)
	}

	if _, err := d.sessions.GetActiveSession(e.ID); err == nil {
		// Steward already busy; the trigger stays armed for next time and
		// this occurrence is simply missed.
		log.Printf("[DISPATCH] steward %s skipped trigger %q: session already active", e.ID, trigger)
		return
	}

	opts := session.StartOptions{InitialPrompt: fmt.Sprintf("Scheduled trigger fired: %s", trigger)}
	_, events, err := d.sessions.StartSession(e.ID, opts)
	if err != nil {
		log.Printf("[DISPATCH] steward %s failed to start for trigger %q: %v", e.ID, trigger, err)
		return
	}
	go func() {
		for range events {
		}
	}()

	if err := d.store.AppendEvent(e.ID, core.EventStewardFired, d.opts.Actor, nil, trigger); err != nil {
		log.Printf("[DISPATCH] record steward-fired event for %s: %v", e.ID, err)
	}
	log.Printf("[DISPATCH] steward %s fired on trigger %q", e.ID, trigger)
}
