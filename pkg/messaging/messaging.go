// Package messaging is the session-to-session mailbox and the escalation
// path to humans. Both are rows in the store; this package owns their
// lifecycle rules.
package messaging

import (
	"fmt"
	"time"

	"hive/pkg/events"
	"hive/pkg/logx"
	"hive/pkg/persistence"
	"hive/pkg/utils"
)

// escalationDedupWindow suppresses duplicate escalations from the same
// agent for the same stuck state.
const escalationDedupWindow = 30 * time.Minute

// Service mediates messages and escalations.
type Service struct {
	store  *persistence.Store
	logger *logx.Logger
}

// NewService returns a messaging service over the store.
func NewService(store *persistence.Store) *Service {
	return &Service{store: store, logger: logx.NewLogger("messaging")}
}

// Send inserts a pending message from one session to another.
func (s *Service) Send(from, to, body string, subject *string) (*persistence.Message, error) {
	msg := &persistence.Message{
		ID:          utils.NewID(),
		FromSession: from,
		ToSession:   to,
		Subject:     subject,
		Body:        body,
	}
	if err := s.store.CreateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Inbox returns messages addressed to a session, pending-only by default.
func (s *Service) Inbox(to string, includeRead bool) ([]*persistence.Message, error) {
	return s.store.ListMessagesTo(to, includeRead)
}

// Read marks a message read. Idempotent.
func (s *Service) Read(id string) error {
	return s.store.MarkMessageRead(id)
}

// Reply records a reply. Idempotent; the first reply wins.
func (s *Service) Reply(id, text string) error {
	return s.store.ReplyToMessage(id, text)
}

// Escalate raises an escalation from an agent unless one was already raised
// within the dedup window. toAgentID nil means the escalation targets a
// human. Returns the escalation, or nil when deduplicated.
func (s *Service) Escalate(fromAgentID string, storyID, toAgentID *string, reason string) (*persistence.Escalation, error) {
	recent, err := s.store.HasRecentEscalationFrom(fromAgentID, time.Now().Add(-escalationDedupWindow))
	if err != nil {
		return nil, err
	}
	if recent {
		s.logger.Debug("escalation from %s suppressed, one already pending or recent", fromAgentID)
		return nil, nil
	}

	esc := &persistence.Escalation{
		ID:          utils.NewID(),
		StoryID:     storyID,
		FromAgentID: &fromAgentID,
		ToAgentID:   toAgentID,
		Reason:      reason,
	}
	if err := s.store.CreateEscalation(esc); err != nil {
		return nil, err
	}
	if err := s.store.CreateLog(fromAgentID, storyID, events.Escalation, nil, &reason, nil); err != nil {
		s.logger.Warn("failed to log escalation event: %v", err)
	}
	return esc, nil
}

// ResolveFor resolves all pending escalations from an agent, typically when
// its session is no longer waiting. Returns the number resolved.
func (s *Service) ResolveFor(agentID, resolution string) (int, error) {
	n, err := s.store.ResolveEscalationsFrom(agentID, resolution)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		msg := fmt.Sprintf("resolved %d escalation(s): %s", n, resolution)
		if err := s.store.LogEvent(agentID, events.EscalationResolved, msg, nil); err != nil {
			s.logger.Warn("failed to log escalation resolution: %v", err)
		}
	}
	return n, nil
}

// PendingEscalations returns unresolved escalations for display.
func (s *Service) PendingEscalations() ([]*persistence.Escalation, error) {
	return s.store.ListEscalationsByStatus(persistence.EscalationPending)
}
