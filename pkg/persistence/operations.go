package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get operations when no row matches.
var ErrNotFound = errors.New("not found")

// --- Teams ---

// CreateTeam inserts a team row.
func (s *Store) CreateTeam(team *Team) error {
	_, err := s.db.Exec(`
		INSERT INTO teams (id, name, repo_url, repo_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, team.ID, team.Name, team.RepoURL, team.RepoPath, nowString())
	if err != nil {
		return fmt.Errorf("failed to create team %s: %w", team.Name, err)
	}
	return nil
}

const teamColumns = "id, name, repo_url, repo_path, created_at"

func scanTeam(row interface{ Scan(...any) error }) (*Team, error) {
	var t Team
	var createdAt string
	if err := row.Scan(&t.ID, &t.Name, &t.RepoURL, &t.RepoPath, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// GetTeam returns a team by ID.
func (s *Store) GetTeam(id string) (*Team, error) {
	team, err := scanTeam(s.db.QueryRow("SELECT "+teamColumns+" FROM teams WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", id, err)
	}
	return team, nil
}

// GetTeamByName returns a team by its unique name.
func (s *Store) GetTeamByName(name string) (*Team, error) {
	team, err := scanTeam(s.db.QueryRow("SELECT "+teamColumns+" FROM teams WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", name, err)
	}
	return team, nil
}

// ListTeams returns all teams in creation order.
func (s *Store) ListTeams() ([]*Team, error) {
	rows, err := s.db.Query("SELECT " + teamColumns + " FROM teams ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var teams []*Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// --- Requirements ---

// CreateRequirement inserts a requirement row.
func (s *Store) CreateRequirement(req *Requirement) error {
	if req.Status == "" {
		req.Status = RequirementPending
	}
	if req.TargetBranch == "" {
		req.TargetBranch = "main"
	}
	_, err := s.db.Exec(`
		INSERT INTO requirements (
			id, title, description, status, godmode, target_branch, feature_branch,
			external_epic_key, external_epic_id, external_epic_provider,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Title, req.Description, req.Status, req.Godmode,
		req.TargetBranch, emptyToNull(req.FeatureBranch),
		req.ExternalEpicKey, req.ExternalEpicID, req.ExternalEpicProvider,
		nowString(), nowString())
	if err != nil {
		return fmt.Errorf("failed to create requirement %s: %w", req.ID, err)
	}
	return nil
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const requirementColumns = `id, title, description, status, godmode, target_branch,
	COALESCE(feature_branch, ''), external_epic_key, external_epic_id, external_epic_provider,
	created_at, updated_at`

func scanRequirement(row interface{ Scan(...any) error }) (*Requirement, error) {
	var r Requirement
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Godmode,
		&r.TargetBranch, &r.FeatureBranch,
		&r.ExternalEpicKey, &r.ExternalEpicID, &r.ExternalEpicProvider,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// GetRequirement returns a requirement by ID.
func (s *Store) GetRequirement(id string) (*Requirement, error) {
	req, err := scanRequirement(s.db.QueryRow(
		"SELECT "+requirementColumns+" FROM requirements WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requirement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get requirement %s: %w", id, err)
	}
	return req, nil
}

// ListRequirementsByStatus returns requirements in the given statuses.
func (s *Store) ListRequirementsByStatus(statuses ...string) ([]*Requirement, error) {
	query := "SELECT " + requirementColumns + " FROM requirements WHERE status IN (" +
		placeholders(len(statuses)) + ") ORDER BY created_at, id"
	rows, err := s.db.Query(query, toAnySlice(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []*Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// UpdateRequirementStatus advances a requirement's status.
func (s *Store) UpdateRequirementStatus(id, status string) error {
	result, err := s.db.Exec(
		"UPDATE requirements SET status = ?, updated_at = ? WHERE id = ?",
		status, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update requirement %s: %w", id, err)
	}
	return requireRowAffected(result, "requirement", id)
}

func requireRowAffected(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// --- Stories ---

// CreateStory inserts a story row.
func (s *Store) CreateStory(story *Story) error {
	if story.Status == "" {
		story.Status = StoryDraft
	}
	if story.ComplexityScore == 0 {
		story.ComplexityScore = 5
	}
	criteria, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance criteria: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO stories (
			id, requirement_id, team_id, title, description, acceptance_criteria,
			complexity_score, story_points, status, assigned_agent_id, branch_name, pr_url,
			external_issue_key, external_issue_id, external_issue_provider,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, story.ID, nullStr(story.RequirementID), nullStr(story.TeamID),
		story.Title, story.Description, string(criteria),
		story.ComplexityScore, nullInt(story.StoryPoints), story.Status,
		nullStr(story.AssignedAgentID), nullStr(story.BranchName), nullStr(story.PRURL),
		story.ExternalIssueKey, story.ExternalIssueID, story.ExternalIssueProvider,
		nowString(), nowString())
	if err != nil {
		return fmt.Errorf("failed to create story %s: %w", story.ID, err)
	}
	return nil
}

const storyColumns = `id, requirement_id, team_id, title, description, acceptance_criteria,
	complexity_score, story_points, status, assigned_agent_id, branch_name, pr_url,
	external_issue_key, external_issue_id, external_issue_provider, created_at, updated_at`

func scanStory(row interface{ Scan(...any) error }) (*Story, error) {
	var st Story
	var reqID, teamID, agentID, branch, prURL sql.NullString
	var points sql.NullInt64
	var criteria, createdAt, updatedAt string
	if err := row.Scan(&st.ID, &reqID, &teamID, &st.Title, &st.Description, &criteria,
		&st.ComplexityScore, &points, &st.Status, &agentID, &branch, &prURL,
		&st.ExternalIssueKey, &st.ExternalIssueID, &st.ExternalIssueProvider,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st.RequirementID = strPtr(reqID)
	st.TeamID = strPtr(teamID)
	st.AssignedAgentID = strPtr(agentID)
	st.BranchName = strPtr(branch)
	st.PRURL = strPtr(prURL)
	st.StoryPoints = intPtr(points)
	if criteria != "" {
		_ = json.Unmarshal([]byte(criteria), &st.AcceptanceCriteria)
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// GetStory returns a story by ID.
func (s *Store) GetStory(id string) (*Story, error) {
	story, err := scanStory(s.db.QueryRow("SELECT "+storyColumns+" FROM stories WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get story %s: %w", id, err)
	}
	return story, nil
}

// ListStoriesByStatus returns stories in the given statuses, creation order.
func (s *Store) ListStoriesByStatus(statuses ...string) ([]*Story, error) {
	query := "SELECT " + storyColumns + " FROM stories WHERE status IN (" +
		placeholders(len(statuses)) + ") ORDER BY created_at, id"
	return s.queryStories(query, toAnySlice(statuses)...)
}

// ListStoriesByTeam returns all stories for a team.
func (s *Store) ListStoriesByTeam(teamID string) ([]*Story, error) {
	return s.queryStories(
		"SELECT "+storyColumns+" FROM stories WHERE team_id = ? ORDER BY created_at, id", teamID)
}

// ListStoriesByAgent returns the stories currently assigned to an agent in
// the given statuses. Used for queue-depth computation.
func (s *Store) ListStoriesByAgent(agentID string, statuses ...string) ([]*Story, error) {
	query := "SELECT " + storyColumns + " FROM stories WHERE assigned_agent_id = ? AND status IN (" +
		placeholders(len(statuses)) + ") ORDER BY created_at, id"
	args := append([]any{agentID}, toAnySlice(statuses)...)
	return s.queryStories(query, args...)
}

// ListAllStories returns every story.
func (s *Store) ListAllStories() ([]*Story, error) {
	return s.queryStories("SELECT " + storyColumns + " FROM stories ORDER BY created_at, id")
}

func (s *Store) queryStories(query string, args ...any) ([]*Story, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stories []*Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

// UpdateStoryStatus sets a story's status.
func (s *Store) UpdateStoryStatus(id, status string) error {
	result, err := s.db.Exec(
		"UPDATE stories SET status = ?, updated_at = ? WHERE id = ?",
		status, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update story %s: %w", id, err)
	}
	return requireRowAffected(result, "story", id)
}

// UpdateStoryAssignment sets or clears a story's assigned agent.
func (s *Store) UpdateStoryAssignment(id string, agentID *string, status string) error {
	result, err := s.db.Exec(
		"UPDATE stories SET assigned_agent_id = ?, status = ?, updated_at = ? WHERE id = ?",
		nullStr(agentID), status, nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update story assignment %s: %w", id, err)
	}
	return requireRowAffected(result, "story", id)
}

// UpdateStoryBranch records the branch and PR URL a developer submitted.
func (s *Store) UpdateStoryBranch(id, branchName, prURL string) error {
	result, err := s.db.Exec(
		"UPDATE stories SET branch_name = ?, pr_url = ?, updated_at = ? WHERE id = ?",
		branchName, emptyToNull(prURL), nowString(), id)
	if err != nil {
		return fmt.Errorf("failed to update story branch %s: %w", id, err)
	}
	return requireRowAffected(result, "story", id)
}

// --- Story dependencies ---

// AddStoryDependency records that storyID depends on dependsOn. Duplicate
// edges are ignored.
func (s *Store) AddStoryDependency(storyID, dependsOn string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO story_dependencies (story_id, depends_on_story_id)
		VALUES (?, ?)
	`, storyID, dependsOn)
	if err != nil {
		return fmt.Errorf("failed to add dependency %s -> %s: %w", storyID, dependsOn, err)
	}
	return nil
}

// ListStoryDependencies returns every dependency edge.
func (s *Store) ListStoryDependencies() ([]*StoryDependency, error) {
	rows, err := s.db.Query("SELECT story_id, depends_on_story_id FROM story_dependencies")
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []*StoryDependency
	for rows.Next() {
		var d StoryDependency
		if err := rows.Scan(&d.StoryID, &d.DependsOnStoryID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// GetDependenciesFor returns the prerequisite story IDs for one story.
func (s *Store) GetDependenciesFor(storyID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT depends_on_story_id FROM story_dependencies WHERE story_id = ?", storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependencies for %s: %w", storyID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
