package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/pkg/events"
	"hive/pkg/persistence"
	"hive/pkg/utils"
)

func TestAssignStoriesRespectsDependencyOrder(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	f.addAgent(t, persistence.AgentJunior, 1, persistence.AgentIdle)

	f.addStory(t, "aaaa0001", "Build API", 2, persistence.StoryPlanned)
	f.addStory(t, "aaaa0002", "Build UI on API", 2, persistence.StoryPlanned)
	require.NoError(t, f.store.AddStoryDependency("aaaa0002", "aaaa0001"))

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	// The prerequisite goes first; once it is in_progress the dependent may
	// start too, on a freshly spawned second junior.
	assert.Equal(t, 2, result.Assigned)
	assert.False(t, result.CycleDetected)

	first, err := f.store.GetStory("aaaa0001")
	require.NoError(t, err)
	second, err := f.store.GetStory("aaaa0002")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryInProgress, first.Status)
	assert.Equal(t, persistence.StoryInProgress, second.Status)
	require.NotNil(t, first.AssignedAgentID)
	require.NotNil(t, second.AssignedAgentID)
	assert.NotEqual(t, *first.AssignedAgentID, *second.AssignedAgentID)
}

func TestAssignStoriesAbortsOnCycle(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)

	f.addStory(t, "aaaa0001", "A", 2, persistence.StoryPlanned)
	f.addStory(t, "aaaa0002", "B", 2, persistence.StoryPlanned)
	require.NoError(t, f.store.AddStoryDependency("aaaa0001", "aaaa0002"))
	require.NoError(t, f.store.AddStoryDependency("aaaa0002", "aaaa0001"))

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	assert.True(t, result.CycleDetected)
	assert.Zero(t, result.Assigned)

	story, err := f.store.GetStory("aaaa0001")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryPlanned, story.Status)
	assert.Nil(t, story.AssignedAgentID)

	n, err := f.store.CountEventsByType(events.CircularDependency)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssignStoriesPreventsDuplicateAssignment(t *testing.T) {
	f := newFixture(t)
	senior := f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)

	f.addStory(t, "aaaa0001", "Already taken", 2, persistence.StoryPlanned)
	// Simulates a racing CLI command that assigned the story but left the
	// status planned.
	require.NoError(t, f.store.UpdateStoryAssignment("aaaa0001", &senior.ID, persistence.StoryPlanned))

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.PreventedDuplicates)
	assert.Zero(t, result.Assigned)

	n, err := f.store.CountEventsByType(events.DuplicateAssignmentPrevented)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssignStoriesSkipsUnsatisfiedDependencies(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	f.addAgent(t, persistence.AgentJunior, 1, persistence.AgentIdle)

	// Prerequisite exists but is still a draft, outside the assignable set
	// and not in a dependency-satisfying status.
	f.addStory(t, "aaaa0001", "Prerequisite", 2, persistence.StoryDraft)
	f.addStory(t, "aaaa0002", "Blocked work", 2, persistence.StoryPlanned)
	require.NoError(t, f.store.AddStoryDependency("aaaa0002", "aaaa0001"))

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.SkippedUnsatisfied)
	assert.Zero(t, result.Assigned)

	blocked, err := f.store.GetStory("aaaa0002")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryPlanned, blocked.Status)
	assert.Nil(t, blocked.AssignedAgentID)
}

func TestAssignStoriesTiersByComplexity(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	f.addAgent(t, persistence.AgentJunior, 1, persistence.AgentIdle)
	f.addAgent(t, persistence.AgentIntermediate, 1, persistence.AgentIdle)

	f.addStory(t, "aaaa0001", "Trivial tweak", 2, persistence.StoryPlanned)
	f.addStory(t, "aaaa0002", "Medium feature", 5, persistence.StoryPlanned)
	f.addStory(t, "aaaa0003", "Hard migration", 9, persistence.StoryPlanned)

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.Assigned)

	wantTier := map[string]string{
		"aaaa0001": persistence.AgentJunior,
		"aaaa0002": persistence.AgentIntermediate,
		"aaaa0003": persistence.AgentSenior,
	}
	for storyID, tier := range wantTier {
		story, err := f.store.GetStory(storyID)
		require.NoError(t, err)
		require.NotNil(t, story.AssignedAgentID, storyID)
		agent, err := f.store.GetAgent(*story.AssignedAgentID)
		require.NoError(t, err)
		assert.Equal(t, tier, agent.Type, storyID)
	}
}

func TestAssignStoriesPicksLeastLoadedAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	busy := f.addAgent(t, persistence.AgentJunior, 1, persistence.AgentIdle)
	free := f.addAgent(t, persistence.AgentJunior, 2, persistence.AgentIdle)

	// busy already carries one in-flight story.
	inFlight := f.addStory(t, "aaaa0001", "In review", 2, persistence.StoryReview)
	require.NoError(t, f.store.UpdateStoryAssignment(inFlight.ID, &busy.ID, persistence.StoryReview))

	f.addStory(t, "aaaa0002", "New work", 2, persistence.StoryPlanned)

	_, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	story, err := f.store.GetStory("aaaa0002")
	require.NoError(t, err)
	require.NotNil(t, story.AssignedAgentID)
	assert.Equal(t, free.ID, *story.AssignedAgentID)
}

func TestAssignStoriesUsesDefaultComplexity(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	f.addAgent(t, persistence.AgentIntermediate, 1, persistence.AgentIdle)

	// Unestimated story defaults to complexity 5: intermediate tier.
	f.addStory(t, "aaaa0001", "Never estimated", 0, persistence.StoryPlanned)

	_, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)

	story, err := f.store.GetStory("aaaa0001")
	require.NoError(t, err)
	require.NotNil(t, story.AssignedAgentID)
	agent, err := f.store.GetAgent(*story.AssignedAgentID)
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentIntermediate, agent.Type)
}

func TestAssignStoriesTwoPassDependencyGating(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentIdle)
	f.driver.failSpawn = true

	// Both stories need the lone senior; B waits for A and for capacity.
	f.addStory(t, "aaaa0001", "A", 9, persistence.StoryPlanned)
	f.addStory(t, "aaaa0002", "B", 9, persistence.StoryPlanned)
	require.NoError(t, f.store.AddStoryDependency("aaaa0002", "aaaa0001"))

	result, err := f.sched.AssignStories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Assigned)

	a, err := f.store.GetStory("aaaa0001")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryInProgress, a.Status)
	b, err := f.store.GetStory("aaaa0002")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryPlanned, b.Status)

	// A second pass with fresh capacity picks B up: its prerequisite is
	// underway, which satisfies the dependency.
	f.driver.failSpawn = false
	f.addAgent(t, persistence.AgentSenior, 2, persistence.AgentIdle)

	result, err = f.sched.AssignStories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Assigned)

	b, err = f.store.GetStory("aaaa0002")
	require.NoError(t, err)
	assert.Equal(t, persistence.StoryInProgress, b.Status)
}

func TestSessionNameFor(t *testing.T) {
	assert.Equal(t, "hive-senior-backend", SessionNameFor("senior", "Backend", 0))
	assert.Equal(t, "hive-qa-web-app-3", SessionNameFor("qa", "Web App", 3))
}

func TestSpawnAgentIsIdempotentForLiveSession(t *testing.T) {
	f := newFixture(t)
	senior := f.addAgent(t, persistence.AgentSenior, 0, persistence.AgentWorking)

	got, err := f.sched.SpawnAgent(context.Background(), persistence.AgentSenior, f.team, 0)
	require.NoError(t, err)
	assert.Equal(t, senior.ID, got.ID)

	active, err := f.store.ListAgentsByTeamAndType(f.team.ID, persistence.AgentSenior)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSpawnAgentRefusesSecondTechLead(t *testing.T) {
	f := newFixture(t)
	lead := f.addAgent(t, persistence.AgentTechLead, 0, persistence.AgentWorking)

	// The tech lead is a singleton across teams, not per team.
	other := &persistence.Team{ID: utils.NewID(), Name: "frontend", RepoPath: "repo2"}
	require.NoError(t, f.store.CreateTeam(other))

	_, err := f.sched.SpawnAgent(context.Background(), persistence.AgentTechLead, other, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tech lead is already active")

	// Terminating the holder frees the slot.
	require.NoError(t, f.store.TerminateAgent(lead.ID))
	spawned, err := f.sched.SpawnAgent(context.Background(), persistence.AgentTechLead, other, 0)
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentTechLead, spawned.Type)
}
