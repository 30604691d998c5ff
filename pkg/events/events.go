// Package events defines the event types recorded in the append-only log.
// Every state-changing action of the manager or scheduler emits exactly one
// of these.
package events

// Event type constants.
const (
	StoryAssigned                = "STORY_ASSIGNED"
	StoryMerged                  = "STORY_MERGED"
	StoryQAFailed                = "STORY_QA_FAILED"
	StoryRevived                 = "STORY_REVIVED"
	DuplicateAssignmentPrevented = "DUPLICATE_ASSIGNMENT_PREVENTED"
	CircularDependency           = "CIRCULAR_DEPENDENCY"

	AgentSpawned    = "AGENT_SPAWNED"
	AgentTerminated = "AGENT_TERMINATED"
	AgentNudged     = "AGENT_NUDGED"

	TeamScaledUp   = "TEAM_SCALED_UP"
	TeamScaledDown = "TEAM_SCALED_DOWN"

	WorktreeRemovalFailed = "WORKTREE_REMOVAL_FAILED"

	Escalation         = "ESCALATION"
	EscalationResolved = "ESCALATION_RESOLVED"

	PRSubmitted   = "PR_SUBMITTED"
	PRMerged      = "PR_MERGED"
	PRRejected    = "PR_REJECTED"
	PRSyncSkipped = "PR_SYNC_SKIPPED"

	AutoApproved    = "AUTO_APPROVED"
	BypassEnforced  = "BYPASS_ENFORCED"
	PlanRestored    = "PLAN_MODE_RESTORED"
	ManagerSummary  = "MANAGER_SUMMARY"
	HealthCheck     = "HEALTH_CHECK"
	OrphanRecovered = "ORPHAN_RECOVERED"
)
