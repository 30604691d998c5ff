package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// --- Agents ---

// CreateAgent inserts an agent row.
func (s *Store) CreateAgent(agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentIdle
	}
	if agent.CLITool == "" {
		agent.CLITool = "claude"
	}
	_, err := s.db.Exec(`
		INSERT INTO agents (
			id, type, team_id, session_name, model, status,
			current_story_id, worktree_path, cli_tool, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Type, nullStr(agent.TeamID), nullStr(agent.SessionName),
		agent.Model, agent.Status, nullStr(agent.CurrentStoryID),
		nullStr(agent.WorktreePath), agent.CLITool, nowString(), nowString())
	if err != nil {
		return fmt.Errorf("failed to create agent %s: %w", agent.ID, err)
	}
	return nil
}

const agentColumns = `id, type, team_id, session_name, model, status,
	current_story_id, worktree_path, cli_tool, created_at, updated_at, terminated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var teamID, sessionName, storyID, worktree, terminatedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Type, &teamID, &sessionName, &a.Model, &a.Status,
		&storyID, &worktree, &a.CLITool, &createdAt, &updatedAt, &terminatedAt); err != nil {
		return nil, err
	}
	a.TeamID = strPtr(teamID)
	a.SessionName = strPtr(sessionName)
	a.CurrentStoryID = strPtr(storyID)
	a.WorktreePath = strPtr(worktree)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.TerminatedAt = parseNullTime(terminatedAt)
	return &a, nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(id string) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return agent, nil
}

// GetAgentBySession returns the non-terminated agent holding a session name.
func (s *Store) GetAgentBySession(sessionName string) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRow(
		"SELECT "+agentColumns+" FROM agents WHERE session_name = ? AND status != ? ORDER BY created_at DESC LIMIT 1",
		sessionName, AgentTerminated))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent for session %s: %w", sessionName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent for session %s: %w", sessionName, err)
	}
	return agent, nil
}

// ListActiveAgents returns all agents that are not terminated.
func (s *Store) ListActiveAgents() ([]*Agent, error) {
	return s.queryAgents(
		"SELECT "+agentColumns+" FROM agents WHERE status != ? ORDER BY created_at, id",
		AgentTerminated)
}

// ListAgentsByTeam returns the non-terminated agents of a team.
func (s *Store) ListAgentsByTeam(teamID string) ([]*Agent, error) {
	return s.queryAgents(
		"SELECT "+agentColumns+" FROM agents WHERE team_id = ? AND status != ? ORDER BY created_at, id",
		teamID, AgentTerminated)
}

// ListAgentsByTeamAndType returns the non-terminated agents of one tier.
func (s *Store) ListAgentsByTeamAndType(teamID, agentType string) ([]*Agent, error) {
	return s.queryAgents(
		"SELECT "+agentColumns+" FROM agents WHERE team_id = ? AND type = ? AND status != ? ORDER BY created_at, id",
		teamID, agentType, AgentTerminated)
}

func (s *Store) queryAgents(query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus sets an agent's status.
func (s *Store) UpdateAgentStatus(id, status string) error {
	result, err := s.db.Exec(
		"UPDATE agents SET status = ?, updated_at = ? WHERE id = ?",
		status, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", id, err)
	}
	return requireRowAffected(result, "agent", id)
}

// UpdateAgentAssignment sets an agent's status and current story together.
func (s *Store) UpdateAgentAssignment(id string, storyID *string, status string) error {
	result, err := s.db.Exec(
		"UPDATE agents SET current_story_id = ?, status = ?, updated_at = ? WHERE id = ?",
		nullStr(storyID), status, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent assignment %s: %w", id, err)
	}
	return requireRowAffected(result, "agent", id)
}

// TerminateAgent marks an agent terminated, clearing its story and worktree.
// Invariant: a terminated agent never keeps a current_story_id.
func (s *Store) TerminateAgent(id string) error {
	result, err := s.db.Exec(`
		UPDATE agents
		SET status = ?, current_story_id = NULL, worktree_path = NULL,
		    updated_at = ?, terminated_at = ?
		WHERE id = ?
	`, AgentTerminated, nowString(), nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to terminate agent %s: %w", id, err)
	}
	return requireRowAffected(result, "agent", id)
}

// CountTechLeads returns the number of live tech_lead agents. At most one
// may exist process-wide.
func (s *Store) CountTechLeads() (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM agents WHERE type = ? AND status != ?",
		AgentTechLead, AgentTerminated).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tech leads: %w", err)
	}
	return n, nil
}

// --- Pull requests ---

// CreatePullRequest inserts a PR row.
func (s *Store) CreatePullRequest(pr *PullRequest) error {
	if pr.Status == "" {
		pr.Status = PRQueued
	}
	_, err := s.db.Exec(`
		INSERT INTO pull_requests (
			id, story_id, team_id, branch_name, code_host_pr_number, code_host_pr_url,
			submitted_by, reviewed_by, status, review_notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pr.ID, nullStr(pr.StoryID), nullStr(pr.TeamID), pr.BranchName,
		nullInt(pr.CodeHostPRNumber), nullStr(pr.CodeHostPRURL),
		pr.SubmittedBy, nullStr(pr.ReviewedBy), pr.Status, nullStr(pr.ReviewNotes),
		nowString(), nowString())
	if err != nil {
		return fmt.Errorf("failed to create pull request %s: %w", pr.ID, err)
	}
	return nil
}

const prColumns = `id, story_id, team_id, branch_name, code_host_pr_number, code_host_pr_url,
	submitted_by, reviewed_by, status, review_notes, created_at, updated_at`

func scanPR(row interface{ Scan(...any) error }) (*PullRequest, error) {
	var pr PullRequest
	var storyID, teamID, prURL, reviewedBy, notes sql.NullString
	var number sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&pr.ID, &storyID, &teamID, &pr.BranchName, &number, &prURL,
		&pr.SubmittedBy, &reviewedBy, &pr.Status, &notes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	pr.StoryID = strPtr(storyID)
	pr.TeamID = strPtr(teamID)
	pr.CodeHostPRNumber = intPtr(number)
	pr.CodeHostPRURL = strPtr(prURL)
	pr.ReviewedBy = strPtr(reviewedBy)
	pr.ReviewNotes = strPtr(notes)
	pr.CreatedAt = parseTime(createdAt)
	pr.UpdatedAt = parseTime(updatedAt)
	return &pr, nil
}

// GetPullRequest returns a PR by ID.
func (s *Store) GetPullRequest(id string) (*PullRequest, error) {
	pr, err := scanPR(s.db.QueryRow("SELECT "+prColumns+" FROM pull_requests WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pull request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request %s: %w", id, err)
	}
	return pr, nil
}

// GetPullRequestByBranch returns the most recent non-closed PR for a branch.
func (s *Store) GetPullRequestByBranch(branch string) (*PullRequest, error) {
	pr, err := scanPR(s.db.QueryRow(
		"SELECT "+prColumns+" FROM pull_requests WHERE branch_name = ? AND status != ? ORDER BY created_at DESC LIMIT 1",
		branch, PRClosed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pull request for branch %s: %w", branch, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request for branch %s: %w", branch, err)
	}
	return pr, nil
}

// ListPullRequestsByStatus returns PRs in the given statuses.
func (s *Store) ListPullRequestsByStatus(statuses ...string) ([]*PullRequest, error) {
	query := "SELECT " + prColumns + " FROM pull_requests WHERE status IN (" +
		placeholders(len(statuses)) + ") ORDER BY created_at, id"
	rows, err := s.db.Query(query, toAnySlice(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prs []*PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// UpdatePullRequestStatus sets a PR's status and optional review notes.
func (s *Store) UpdatePullRequestStatus(id, status string, reviewNotes *string) error {
	var result sql.Result
	var err error
	if reviewNotes != nil {
		result, err = s.db.Exec(
			"UPDATE pull_requests SET status = ?, review_notes = ?, updated_at = ? WHERE id = ?",
			status, *reviewNotes, nowString(), id)
	} else {
		result, err = s.db.Exec(
			"UPDATE pull_requests SET status = ?, updated_at = ? WHERE id = ?",
			status, nowString(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update pull request %s: %w", id, err)
	}
	return requireRowAffected(result, "pull request", id)
}

// BackfillPRNumbers populates code_host_pr_number from the trailing segment
// of code_host_pr_url for rows that predate the number column. Idempotent.
func (s *Store) BackfillPRNumbers() (int, error) {
	result, err := s.db.Exec(`
		UPDATE pull_requests
		SET code_host_pr_number = CAST(
			substr(code_host_pr_url, length(rtrim(code_host_pr_url, '0123456789')) + 1) AS INTEGER)
		WHERE code_host_pr_number IS NULL
		  AND code_host_pr_url IS NOT NULL
		  AND code_host_pr_url GLOB '*[0-9]'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill PR numbers: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// SetPullRequestNumber records the code-host number and URL for a PR.
func (s *Store) SetPullRequestNumber(id string, number int, url string) error {
	result, err := s.db.Exec(
		"UPDATE pull_requests SET code_host_pr_number = ?, code_host_pr_url = ?, updated_at = ? WHERE id = ?",
		number, url, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to set pull request number %s: %w", id, err)
	}
	return requireRowAffected(result, "pull request", id)
}
