package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Messages ---

// CreateMessage inserts a pending message.
func (s *Store) CreateMessage(msg *Message) error {
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, from_session, to_session, subject, body, reply, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.FromSession, msg.ToSession, nullStr(msg.Subject),
		msg.Body, nullStr(msg.Reply), msg.Status, nowString())
	if err != nil {
		return fmt.Errorf("failed to create message %s: %w", msg.ID, err)
	}
	return nil
}

const messageColumns = "id, from_session, to_session, subject, body, reply, status, created_at, read_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var subject, reply, readAt sql.NullString
	var createdAt string
	if err := row.Scan(&m.ID, &m.FromSession, &m.ToSession, &subject, &m.Body,
		&reply, &m.Status, &createdAt, &readAt); err != nil {
		return nil, err
	}
	m.Subject = strPtr(subject)
	m.Reply = strPtr(reply)
	m.CreatedAt = parseTime(createdAt)
	m.ReadAt = parseNullTime(readAt)
	return &m, nil
}

// GetMessage returns a message by ID.
func (s *Store) GetMessage(id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessagesTo returns messages addressed to a session. By default only
// pending messages are returned; includeRead adds read and replied ones.
func (s *Store) ListMessagesTo(toSession string, includeRead bool) ([]*Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE to_session = ?"
	args := []any{toSession}
	if !includeRead {
		query += " AND status = ?"
		args = append(args, MessagePending)
	}
	query += " ORDER BY created_at, id"
	return s.queryMessages(query, args...)
}

// ListMessagesFrom returns messages sent by a session (the outbox).
func (s *Store) ListMessagesFrom(fromSession string) ([]*Message, error) {
	return s.queryMessages(
		"SELECT "+messageColumns+" FROM messages WHERE from_session = ? ORDER BY created_at, id",
		fromSession)
}

func (s *Store) queryMessages(query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkMessageRead flips a pending message to read. Idempotent: reading an
// already-read or replied message changes nothing.
func (s *Store) MarkMessageRead(id string) error {
	_, err := s.db.Exec(
		"UPDATE messages SET status = ?, read_at = ? WHERE id = ? AND status = ?",
		MessageRead, nowString(), id, MessagePending)
	if err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", id, err)
	}
	return nil
}

// ReplyToMessage records a reply. Idempotent: replying to an already-replied
// message changes nothing.
func (s *Store) ReplyToMessage(id, reply string) error {
	_, err := s.db.Exec(
		"UPDATE messages SET reply = ?, status = ? WHERE id = ? AND status != ?",
		reply, MessageReplied, id, MessageReplied)
	if err != nil {
		return fmt.Errorf("failed to reply to message %s: %w", id, err)
	}
	return nil
}

// --- Escalations ---

// CreateEscalation inserts a pending escalation.
func (s *Store) CreateEscalation(esc *Escalation) error {
	if esc.Status == "" {
		esc.Status = EscalationPending
	}
	_, err := s.db.Exec(`
		INSERT INTO escalations (id, story_id, from_agent_id, to_agent_id, reason, status, resolution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, esc.ID, nullStr(esc.StoryID), nullStr(esc.FromAgentID), nullStr(esc.ToAgentID),
		esc.Reason, esc.Status, nullStr(esc.Resolution), nowString(), nowString())
	if err != nil {
		return fmt.Errorf("failed to create escalation %s: %w", esc.ID, err)
	}
	return nil
}

const escalationColumns = "id, story_id, from_agent_id, to_agent_id, reason, status, resolution, created_at, updated_at"

func scanEscalation(row interface{ Scan(...any) error }) (*Escalation, error) {
	var e Escalation
	var storyID, fromAgent, toAgent, resolution sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&e.ID, &storyID, &fromAgent, &toAgent, &e.Reason,
		&e.Status, &resolution, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.StoryID = strPtr(storyID)
	e.FromAgentID = strPtr(fromAgent)
	e.ToAgentID = strPtr(toAgent)
	e.Resolution = strPtr(resolution)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// GetEscalation returns an escalation by ID.
func (s *Store) GetEscalation(id string) (*Escalation, error) {
	esc, err := scanEscalation(s.db.QueryRow(
		"SELECT "+escalationColumns+" FROM escalations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation %s: %w", id, err)
	}
	return esc, nil
}

// ListEscalationsByStatus returns escalations in one status.
func (s *Store) ListEscalationsByStatus(status string) ([]*Escalation, error) {
	rows, err := s.db.Query(
		"SELECT "+escalationColumns+" FROM escalations WHERE status = ? ORDER BY created_at, id",
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escs []*Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escs = append(escs, esc)
	}
	return escs, rows.Err()
}

// HasRecentEscalationFrom reports whether a pending or recently created
// escalation already exists for an agent. Used to avoid duplicate
// escalations for the same stuck state.
func (s *Store) HasRecentEscalationFrom(agentID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM escalations
		WHERE from_agent_id = ? AND (status = ? OR created_at >= ?)
	`, agentID, EscalationPending, fmtTime(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check escalations for %s: %w", agentID, err)
	}
	return n > 0, nil
}

// UpdateEscalationStatus sets an escalation's status and optional resolution.
func (s *Store) UpdateEscalationStatus(id, status string, resolution *string) error {
	result, err := s.db.Exec(
		"UPDATE escalations SET status = ?, resolution = COALESCE(?, resolution), updated_at = ? WHERE id = ?",
		status, nullStr(resolution), nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update escalation %s: %w", id, err)
	}
	return requireRowAffected(result, "escalation", id)
}

// ResolveEscalationsFrom resolves all pending escalations originating from
// an agent. Returns the number resolved.
func (s *Store) ResolveEscalationsFrom(agentID, resolution string) (int, error) {
	result, err := s.db.Exec(
		"UPDATE escalations SET status = ?, resolution = ?, updated_at = ? WHERE from_agent_id = ? AND status = ?",
		EscalationResolved, resolution, nowString(), agentID, EscalationPending)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve escalations from %s: %w", agentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}
