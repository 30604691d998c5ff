package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hive/pkg/agentstate"
	"hive/pkg/config"
	"hive/pkg/events"
	"hive/pkg/persistence"
	"hive/pkg/scheduler"
)

// superviseSessions is the per-session half of the tick: forward mail,
// classify the pane, fix the mode, escalate or nudge as needed.
func (m *Manager) superviseSessions(ctx context.Context, counters *tickCounters) error {
	cfg := config.MustGet()

	names, err := m.sessions.List(ctx, sessionPrefix)
	if err != nil {
		return err
	}
	m.metrics.liveSessions.Set(float64(len(names)))

	for _, name := range names {
		if name == managerSession {
			continue
		}
		if err := m.superviseSession(ctx, name, &cfg, counters); err != nil {
			m.logger.Warn("supervision of %s failed: %v", name, err)
		}
	}

	// Forget state for sessions that no longer exist.
	liveSet := make(map[string]bool, len(names))
	for _, name := range names {
		liveSet[name] = true
	}
	for name := range m.states {
		if !liveSet[name] {
			delete(m.states, name)
		}
	}
	return nil
}

func (m *Manager) superviseSession(ctx context.Context, name string, cfg *config.Config, counters *tickCounters) error {
	if err := m.forwardMessages(ctx, name, counters); err != nil {
		m.logger.Warn("message forwarding to %s failed: %v", name, err)
	}

	buffer, err := m.sessions.Capture(ctx, name, captureLines)
	if err != nil {
		return err
	}
	cls := agentstate.Classify(buffer)

	if agentstate.NeedsBypassEnforcement(buffer) {
		if scheduler.ForceBypassMode(ctx, m.sessions, name) {
			counters.bypassEnforced++
			m.logSessionEvent(name, events.BypassEnforced, "session returned to bypass mode")
		}
		// Mode flips change the pane; re-read before deciding anything else.
		if buffer, err = m.sessions.Capture(ctx, name, captureLines); err == nil {
			cls = agentstate.Classify(buffer)
		}
	}

	switch cls.State {
	case agentstate.PermissionRequired:
		if err := m.sessions.Send(ctx, name, "y"); err == nil {
			_ = m.sessions.SendEnter(ctx, name)
			counters.autoApproved++
			m.logSessionEvent(name, events.AutoApproved, "approved a permission prompt")
		}
	case agentstate.PlanApproval:
		if scheduler.ForceBypassMode(ctx, m.sessions, name) {
			m.logSessionEvent(name, events.PlanRestored, "cycled out of plan mode")
		}
	}

	agent, err := m.store.GetAgentBySession(name)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			// Session without a row; health check will reconcile.
			return nil
		}
		return err
	}

	if cls.NeedsHuman {
		esc, err := m.msgs.Escalate(agent.ID, agent.CurrentStoryID, nil,
			fmt.Sprintf("session %s needs human input", name))
		if err != nil {
			return err
		}
		if esc != nil {
			counters.escalations++
			m.metrics.escalations.Inc()
			m.deliver(ctx, name,
				"A human has been asked to help. If you can proceed without them, continue with your story.")
		}
	} else if !cls.IsWaiting {
		if _, err := m.msgs.ResolveFor(agent.ID, "session active again"); err != nil {
			m.logger.Warn("failed to auto-resolve escalations for %s: %v", name, err)
		}
	}

	m.maybeNudge(ctx, name, agent, cls, cfg, counters)
	return nil
}

// forwardMessages pastes pending mail into the session, then marks the
// batch read.
func (m *Manager) forwardMessages(ctx context.Context, name string, counters *tickCounters) error {
	pending, err := m.store.ListMessagesTo(name, false)
	if err != nil {
		return err
	}
	var delivered []string
	for _, msg := range pending {
		text := fmt.Sprintf("[message from %s] %s", msg.FromSession, msg.Body)
		if msg.Subject != nil {
			text = fmt.Sprintf("[message from %s: %s] %s", msg.FromSession, *msg.Subject, msg.Body)
		}
		ok, err := m.sessions.SendWithConfirmation(ctx, name, text)
		if err != nil || !ok {
			m.logger.Warn("delivery of message %s to %s unconfirmed", msg.ID, name)
			continue
		}
		_ = m.sessions.SendEnter(ctx, name)
		delivered = append(delivered, msg.ID)
	}
	for _, id := range delivered {
		if err := m.store.MarkMessageRead(id); err != nil {
			return err
		}
		counters.messagesForwarded++
	}
	return nil
}

// maybeNudge pushes a stuck session forward, at most once per cooldown.
// The pane is re-captured right before sending so a session that just woke
// up is not interrupted.
func (m *Manager) maybeNudge(ctx context.Context, name string, agent *persistence.Agent,
	cls agentstate.Classification, cfg *config.Config, counters *tickCounters) {
	now := m.now()

	st := m.states[name]
	if st == nil || st.lastState != cls.State {
		m.states[name] = &sessionState{
			lastState:       cls.State,
			lastStateChange: now,
			lastNudge:       lastNudgeOf(st),
		}
		return
	}

	if !cls.IsWaiting || cls.State == agentstate.Thinking {
		return
	}
	if now.Sub(st.lastStateChange) < cfg.StuckThreshold() {
		return
	}
	if !st.lastNudge.IsZero() && now.Sub(st.lastNudge) < cfg.NudgeCooldown() {
		return
	}

	// Re-capture: the agent may have resumed since the tick started.
	buffer, err := m.sessions.Capture(ctx, name, captureLines)
	if err != nil {
		return
	}
	fresh := agentstate.Classify(buffer)
	if !fresh.IsWaiting || fresh.State == agentstate.Thinking {
		m.states[name] = &sessionState{lastState: fresh.State, lastStateChange: now, lastNudge: st.lastNudge}
		return
	}

	m.deliver(ctx, name, nudgeText(agent.Type))
	st.lastNudge = now
	counters.nudges++
	m.metrics.nudges.Inc()
	if err := m.store.LogEvent(agent.ID, events.AgentNudged,
		fmt.Sprintf("nudged %s after %s in %s", name, now.Sub(st.lastStateChange).Round(time.Second), cls.State), nil); err != nil {
		m.logger.Warn("failed to log nudge: %v", err)
	}
}

func lastNudgeOf(st *sessionState) time.Time {
	if st == nil {
		return time.Time{}
	}
	return st.lastNudge
}

// nudgeText is tier-specific: each tier is reminded of its own duty.
func nudgeText(agentType string) string {
	switch agentType {
	case persistence.AgentTechLead:
		return "You appear idle. Check `hive status` for unplanned requirements and keep the story pipeline full."
	case persistence.AgentSenior:
		return "You appear idle. Check your inbox, review open PRs from your team, and continue your current story."
	case persistence.AgentQA:
		return "You appear idle. The merge queue may have PRs waiting for verification; check `hive pr` and your inbox."
	default:
		return "You appear idle. Continue working on your assigned story; if you are blocked, send a message to your senior."
	}
}

// deliver pastes a line into a session and presses Enter, logging on
// failure.
func (m *Manager) deliver(ctx context.Context, name, text string) {
	ok, err := m.sessions.SendWithConfirmation(ctx, name, text)
	if err != nil || !ok {
		m.logger.Warn("delivery to %s unconfirmed", name)
		return
	}
	_ = m.sessions.SendEnter(ctx, name)
}

func (m *Manager) logSessionEvent(sessionName, eventType, message string) {
	agentID := "manager"
	if agent, err := m.store.GetAgentBySession(sessionName); err == nil {
		agentID = agent.ID
	}
	if err := m.store.LogEvent(agentID, eventType, fmt.Sprintf("%s: %s", sessionName, message), nil); err != nil {
		m.logger.Warn("failed to log %s event: %v", eventType, err)
	}
}
