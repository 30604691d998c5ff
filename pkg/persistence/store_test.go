package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/pkg/utils"
)

// createTestStore opens a fresh database in a temp dir for each test.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strp(s string) *string { return &s }

func TestMigrationsApplyInFixedOrder(t *testing.T) {
	store := createTestStore(t)

	names, err := store.AppliedMigrationNames()
	require.NoError(t, err)

	// The exact sequence matters: 006 and 007 must apply after 010/012, so
	// this is an ordered comparison, not a set comparison.
	expected := []string{
		"001-initial-schema",
		"002-requirements",
		"003-escalations",
		"004-messages",
		"005-event-log",
		"008-agent-cli-tool",
		"009-story-branch",
		"010-pr-numbers",
		"011-requirement-signoff",
		"012-story-external-links",
		"006-integrations",
		"007-backfill-story-points",
	}
	assert.Equal(t, expected, names)
}

func TestReopenAppliesNoNewMigrations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.db")

	store, err := Open(path)
	require.NoError(t, err)
	first, err := store.AppliedMigrationNames()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	second, err := store2.AppliedMigrationNames()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestOpenDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.db")

	// An oversized file that is not a usable database must be rejected
	// rather than silently re-initialized over.
	data := make([]byte, 64*1024)
	copy(data, []byte("SQLite format 3\x00"))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	require.Error(t, err)
}

func TestStoryCRUDAndAssignment(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend", RepoPath: "repos/backend"}
	require.NoError(t, store.CreateTeam(team))

	agent := &Agent{ID: utils.NewID(), Type: AgentJunior, TeamID: &team.ID, Model: "m", Status: AgentIdle}
	require.NoError(t, store.CreateAgent(agent))

	story := &Story{
		ID:                 "a1b2c3d4",
		TeamID:             &team.ID,
		Title:              "Add login endpoint",
		AcceptanceCriteria: []string{"returns 200", "sets cookie"},
		ComplexityScore:    3,
		Status:             StoryPlanned,
	}
	require.NoError(t, store.CreateStory(story))

	got, err := store.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"returns 200", "sets cookie"}, got.AcceptanceCriteria)
	assert.Nil(t, got.AssignedAgentID)

	require.NoError(t, store.WithTransaction(func() error {
		if err := store.UpdateStoryAssignment(story.ID, &agent.ID, StoryInProgress); err != nil {
			return err
		}
		return store.UpdateAgentAssignment(agent.ID, &story.ID, AgentWorking)
	}))

	got, err = store.GetStory(story.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, agent.ID, *got.AssignedAgentID)
	assert.Equal(t, StoryInProgress, got.Status)

	gotAgent, err := store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentWorking, gotAgent.Status)
	require.NotNil(t, gotAgent.CurrentStoryID)
	assert.Equal(t, story.ID, *gotAgent.CurrentStoryID)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))

	err := store.WithTransaction(func() error {
		if err := store.CreateStory(&Story{ID: "deadbeef", TeamID: &team.ID, Title: "t", Status: StoryPlanned}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetStory("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminateAgentClearsStoryAndWorktree(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))
	wt := "repos/backend-x"
	agent := &Agent{ID: utils.NewID(), Type: AgentSenior, TeamID: &team.ID, Status: AgentWorking, WorktreePath: &wt}
	require.NoError(t, store.CreateAgent(agent))

	require.NoError(t, store.TerminateAgent(agent.ID))

	got, err := store.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentTerminated, got.Status)
	assert.Nil(t, got.CurrentStoryID)
	assert.Nil(t, got.WorktreePath)
	assert.NotNil(t, got.TerminatedAt)
}

func TestMessageReadIsIdempotent(t *testing.T) {
	store := createTestStore(t)

	msg := &Message{ID: utils.NewID(), FromSession: "hive-senior-t", ToSession: "hive-junior-t-1", Body: "hello"}
	require.NoError(t, store.CreateMessage(msg))

	require.NoError(t, store.MarkMessageRead(msg.ID))
	first, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAt)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.MarkMessageRead(msg.ID))
	second, err := store.GetMessage(msg.ID)
	require.NoError(t, err)

	assert.Equal(t, MessageRead, second.Status)
	assert.Equal(t, *first.ReadAt, *second.ReadAt, "re-reading must not touch the row")
}

func TestReplyIsIdempotent(t *testing.T) {
	store := createTestStore(t)

	msg := &Message{ID: utils.NewID(), FromSession: "a", ToSession: "b", Body: "q"}
	require.NoError(t, store.CreateMessage(msg))

	require.NoError(t, store.ReplyToMessage(msg.ID, "first answer"))
	require.NoError(t, store.ReplyToMessage(msg.ID, "second answer"))

	got, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageReplied, got.Status)
	require.NotNil(t, got.Reply)
	assert.Equal(t, "first answer", *got.Reply)
}

func TestInboxFiltersToPendingByDefault(t *testing.T) {
	store := createTestStore(t)

	m1 := &Message{ID: utils.NewID(), FromSession: "a", ToSession: "dev", Body: "one"}
	m2 := &Message{ID: utils.NewID(), FromSession: "a", ToSession: "dev", Body: "two"}
	require.NoError(t, store.CreateMessage(m1))
	require.NoError(t, store.CreateMessage(m2))
	require.NoError(t, store.MarkMessageRead(m1.ID))

	pending, err := store.ListMessagesTo("dev", false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m2.ID, pending[0].ID)

	all, err := store.ListMessagesTo("dev", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEscalationLifecycle(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))
	agent := &Agent{ID: utils.NewID(), Type: AgentJunior, TeamID: &team.ID}
	require.NoError(t, store.CreateAgent(agent))

	esc := &Escalation{ID: utils.NewID(), FromAgentID: &agent.ID, Reason: "needs human input"}
	require.NoError(t, store.CreateEscalation(esc))

	recent, err := store.HasRecentEscalationFrom(agent.ID, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.True(t, recent)

	n, err := store.ResolveEscalationsFrom(agent.ID, "agent resumed work")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetEscalation(esc.ID)
	require.NoError(t, err)
	assert.Equal(t, EscalationResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "agent resumed work", *got.Resolution)
}

func TestEventLogAppendAndQuery(t *testing.T) {
	store := createTestStore(t)

	require.NoError(t, store.LogEvent("manager", "MANAGER_SUMMARY", "tick complete", map[string]any{"nudges": 2}))
	require.NoError(t, store.LogStoryEvent("scheduler", "a1b2c3d4", "STORY_ASSIGNED", "assigned to junior", nil))

	recent, err := store.ListRecentEvents(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.Equal(t, "STORY_ASSIGNED", recent[0].EventType)

	byStory, err := store.ListEventsByStory("a1b2c3d4")
	require.NoError(t, err)
	require.Len(t, byStory, 1)

	n, err := store.CountEventsByType("MANAGER_SUMMARY")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBackfillPRNumbers(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))

	url := "https://github.com/acme/backend/pull/1234"
	pr := &PullRequest{
		ID:            utils.NewID(),
		TeamID:        &team.ID,
		BranchName:    "agent/x",
		CodeHostPRURL: &url,
		SubmittedBy:   "hive-senior-backend",
	}
	require.NoError(t, store.CreatePullRequest(pr))

	n, err := store.BackfillPRNumbers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetPullRequest(pr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CodeHostPRNumber)
	assert.Equal(t, 1234, *got.CodeHostPRNumber)

	// Idempotent: second run touches nothing.
	n, err = store.BackfillPRNumbers()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRequirementStatusProgression(t *testing.T) {
	store := createTestStore(t)

	req := &Requirement{ID: utils.NewID(), Title: "User auth", Godmode: true}
	require.NoError(t, store.CreateRequirement(req))

	got, err := store.GetRequirement(req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequirementPending, got.Status)
	assert.Equal(t, "main", got.TargetBranch)
	assert.True(t, got.Godmode)

	for _, status := range []string{RequirementPlanning, RequirementPlanned, RequirementInProgress, RequirementCompleted, RequirementSignOff, RequirementSignOffPassed} {
		require.NoError(t, store.UpdateRequirementStatus(req.ID, status))
	}

	got, err = store.GetRequirement(req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequirementSignOffPassed, got.Status)
}

func TestStoryDependencies(t *testing.T) {
	store := createTestStore(t)

	team := &Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))
	for _, id := range []string{"aaaa0001", "aaaa0002"} {
		require.NoError(t, store.CreateStory(&Story{ID: id, TeamID: &team.ID, Title: id, Status: StoryPlanned}))
	}

	require.NoError(t, store.AddStoryDependency("aaaa0002", "aaaa0001"))
	// Duplicate edge is ignored.
	require.NoError(t, store.AddStoryDependency("aaaa0002", "aaaa0001"))

	deps, err := store.GetDependenciesFor("aaaa0002")
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa0001"}, deps)
}
