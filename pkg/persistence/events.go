package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateLog appends one row to the event log. The log is append-only; rows
// are never updated or deleted.
func (s *Store) CreateLog(agentID string, storyID *string, eventType string, status, message *string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO event_log (agent_id, story_id, event_type, status, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agentID, nullStr(storyID), eventType, nullStr(status), nullStr(message), meta, nowString())
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", eventType, err)
	}
	return nil
}

// LogEvent is the common form: event type plus a human-readable message.
func (s *Store) LogEvent(agentID, eventType, message string, metadata map[string]any) error {
	return s.CreateLog(agentID, nil, eventType, nil, &message, metadata)
}

// LogStoryEvent records an event tied to a story.
func (s *Store) LogStoryEvent(agentID, storyID, eventType, message string, metadata map[string]any) error {
	return s.CreateLog(agentID, &storyID, eventType, nil, &message, metadata)
}

const eventColumns = "id, agent_id, story_id, event_type, status, message, metadata, created_at"

func scanEvent(row interface{ Scan(...any) error }) (*EventLogEntry, error) {
	var e EventLogEntry
	var storyID, status, message sql.NullString
	var createdAt string
	if err := row.Scan(&e.ID, &e.AgentID, &storyID, &e.EventType, &status,
		&message, &e.Metadata, &createdAt); err != nil {
		return nil, err
	}
	e.StoryID = strPtr(storyID)
	e.Status = strPtr(status)
	e.Message = strPtr(message)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// ListRecentEvents returns the newest limit events, newest first.
func (s *Store) ListRecentEvents(limit int) ([]*EventLogEntry, error) {
	return s.queryEvents(
		"SELECT "+eventColumns+" FROM event_log ORDER BY id DESC LIMIT ?", limit)
}

// ListEventsByStory returns all events for a story in commit order.
func (s *Store) ListEventsByStory(storyID string) ([]*EventLogEntry, error) {
	return s.queryEvents(
		"SELECT "+eventColumns+" FROM event_log WHERE story_id = ? ORDER BY id", storyID)
}

// ListEventsByAgent returns all events for an agent in commit order.
func (s *Store) ListEventsByAgent(agentID string) ([]*EventLogEntry, error) {
	return s.queryEvents(
		"SELECT "+eventColumns+" FROM event_log WHERE agent_id = ? ORDER BY id", agentID)
}

// CountEventsByType returns the number of events of one type, for tests and
// summary reporting.
func (s *Store) CountEventsByType(eventType string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM event_log WHERE event_type = ?", eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(query string, args ...any) ([]*EventLogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*EventLogEntry
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
