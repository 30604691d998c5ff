package persistence

import (
	"time"
)

// Team is a code repository under orchestration.
type Team struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repo_url"`
	RepoPath  string    `json:"repo_path"` // relative to the workspace root
}

// Requirement status constants. Status advances monotonically through
// pending -> planning -> planned -> in_progress -> completed, with the
// optional sign_off branch at the end.
const (
	RequirementPending       = "pending"
	RequirementPlanning      = "planning"
	RequirementPlanned       = "planned"
	RequirementInProgress    = "in_progress"
	RequirementCompleted     = "completed"
	RequirementSignOff       = "sign_off"
	RequirementSignOffFailed = "sign_off_failed"
	RequirementSignOffPassed = "sign_off_passed"
)

// Requirement is a unit of user intent from which stories are planned.
//
//nolint:govet // struct alignment optimization not critical for this type
type Requirement struct {
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Status               string    `json:"status"`
	TargetBranch         string    `json:"target_branch"`
	FeatureBranch        string    `json:"feature_branch,omitempty"`
	ExternalEpicKey      string    `json:"external_epic_key,omitempty"`
	ExternalEpicID       string    `json:"external_epic_id,omitempty"`
	ExternalEpicProvider string    `json:"external_epic_provider,omitempty"`
	Godmode              bool      `json:"godmode"`
}

// Story status constants.
const (
	StoryDraft       = "draft"
	StoryEstimated   = "estimated"
	StoryPlanned     = "planned"
	StoryInProgress  = "in_progress"
	StoryReview      = "review"
	StoryQA          = "qa"
	StoryQAFailed    = "qa_failed"
	StoryPRSubmitted = "pr_submitted"
	StoryMerged      = "merged"
)

// dependencySatisfyingStatuses are the story statuses that satisfy a
// dependency edge. In-flight work counts: dependents may start once their
// prerequisites are underway.
//
//nolint:gochecknoglobals // Static status set
var dependencySatisfyingStatuses = map[string]bool{
	StoryInProgress:  true,
	StoryReview:      true,
	StoryQA:          true,
	StoryQAFailed:    true,
	StoryPRSubmitted: true,
	StoryMerged:      true,
}

// SatisfiesDependency reports whether a prerequisite story in the given
// status unblocks its dependents.
func SatisfiesDependency(status string) bool {
	return dependencySatisfyingStatuses[status]
}

// Story is a unit of implementable work belonging to a team and optionally
// a requirement.
//
//nolint:govet // struct alignment optimization not critical for this type
type Story struct {
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	ID                    string    `json:"id"`
	RequirementID         *string   `json:"requirement_id,omitempty"`
	TeamID                *string   `json:"team_id,omitempty"`
	Title                 string    `json:"title"`
	Description           string    `json:"description"`
	AcceptanceCriteria    []string  `json:"acceptance_criteria,omitempty"`
	Status                string    `json:"status"`
	AssignedAgentID       *string   `json:"assigned_agent_id,omitempty"`
	BranchName            *string   `json:"branch_name,omitempty"`
	PRURL                 *string   `json:"pr_url,omitempty"`
	ExternalIssueKey      string    `json:"external_issue_key,omitempty"`
	ExternalIssueID       string    `json:"external_issue_id,omitempty"`
	ExternalIssueProvider string    `json:"external_issue_provider,omitempty"`
	ComplexityScore       int       `json:"complexity_score"` // 1..13
	StoryPoints           *int      `json:"story_points,omitempty"`
}

// CapacityPoints returns the scheduling weight of a story: story_points,
// falling back to complexity_score, with zero coerced to one.
func (s *Story) CapacityPoints() int {
	points := 0
	if s.StoryPoints != nil {
		points = *s.StoryPoints
	}
	if points == 0 {
		points = s.ComplexityScore
	}
	if points == 0 {
		points = 1
	}
	return points
}

// StoryDependency is one edge of the story dependency DAG.
type StoryDependency struct {
	StoryID          string `json:"story_id"`
	DependsOnStoryID string `json:"depends_on_story_id"`
}

// Agent tier constants.
const (
	AgentTechLead     = "tech_lead"
	AgentSenior       = "senior"
	AgentIntermediate = "intermediate"
	AgentJunior       = "junior"
	AgentQA           = "qa"
	AgentFeatureTest  = "feature_test"
)

// Agent status constants.
const (
	AgentIdle       = "idle"
	AgentWorking    = "working"
	AgentBlocked    = "blocked"
	AgentTerminated = "terminated"
)

// Agent is a live or terminated worker attached to a terminal session and a
// git worktree.
//
//nolint:govet // struct alignment optimization not critical for this type
type Agent struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	TerminatedAt   *time.Time `json:"terminated_at,omitempty"`
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	TeamID         *string    `json:"team_id,omitempty"`
	SessionName    *string    `json:"session_name,omitempty"`
	Model          string     `json:"model"`
	Status         string     `json:"status"`
	CurrentStoryID *string    `json:"current_story_id,omitempty"`
	WorktreePath   *string    `json:"worktree_path,omitempty"`
	CLITool        string     `json:"cli_tool"`
}

// PullRequest status constants.
const (
	PRQueued    = "queued"
	PRReviewing = "reviewing"
	PRApproved  = "approved"
	PRMerged    = "merged"
	PRRejected  = "rejected"
	PRClosed    = "closed"
)

// PullRequest is a submission awaiting review or merge.
//
//nolint:govet // struct alignment optimization not critical for this type
type PullRequest struct {
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ID               string    `json:"id"`
	StoryID          *string   `json:"story_id,omitempty"`
	TeamID           *string   `json:"team_id,omitempty"`
	BranchName       string    `json:"branch_name"`
	CodeHostPRNumber *int      `json:"code_host_pr_number,omitempty"`
	CodeHostPRURL    *string   `json:"code_host_pr_url,omitempty"`
	SubmittedBy      string    `json:"submitted_by"` // session name
	ReviewedBy       *string   `json:"reviewed_by,omitempty"`
	Status           string    `json:"status"`
	ReviewNotes      *string   `json:"review_notes,omitempty"`
}

// Escalation status constants.
const (
	EscalationPending      = "pending"
	EscalationAcknowledged = "acknowledged"
	EscalationResolved     = "resolved"
)

// Escalation is a request for human or peer attention. A nil ToAgentID
// means the escalation targets a human operator.
//
//nolint:govet // struct alignment optimization not critical for this type
type Escalation struct {
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ID          string    `json:"id"`
	StoryID     *string   `json:"story_id,omitempty"`
	FromAgentID *string   `json:"from_agent_id,omitempty"`
	ToAgentID   *string   `json:"to_agent_id,omitempty"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	Resolution  *string   `json:"resolution,omitempty"`
}

// Message status constants.
const (
	MessagePending = "pending"
	MessageRead    = "read"
	MessageReplied = "replied"
)

// Message is an inter-session note with at-least-once delivery and
// idempotent reads.
//
//nolint:govet // struct alignment optimization not critical for this type
type Message struct {
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ID          string     `json:"id"`
	FromSession string     `json:"from_session"`
	ToSession   string     `json:"to_session"`
	Subject     *string    `json:"subject,omitempty"`
	Body        string     `json:"body"`
	Reply       *string    `json:"reply,omitempty"`
	Status      string     `json:"status"`
}

// EventLogEntry is one row of the append-only audit log. Rows are never
// mutated after insert.
//
//nolint:govet // struct alignment optimization not critical for this type
type EventLogEntry struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	StoryID   *string   `json:"story_id,omitempty"`
	EventType string    `json:"event_type"`
	Status    *string   `json:"status,omitempty"`
	Message   *string   `json:"message,omitempty"`
	Metadata  string    `json:"metadata,omitempty"` // JSON blob
}
