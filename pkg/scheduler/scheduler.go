// Package scheduler owns planning, assignment, capacity, and recovery.
// It reads the world from the store, orders work by dependency, matches
// stories to agent tiers, and spawns or retires agent sessions to fit the
// workload.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hive/pkg/config"
	"hive/pkg/events"
	"hive/pkg/logx"
	"hive/pkg/persistence"
	"hive/pkg/session"
)

// defaultComplexity is assumed for stories that were never estimated.
const defaultComplexity = 5

// Worktrees is the slice of the worktree manager the scheduler needs;
// tests substitute a fake.
type Worktrees interface {
	Create(ctx context.Context, agentID, teamID, repoPath string) (string, error)
	Remove(ctx context.Context, worktreePath string) error
}

// Scheduler coordinates stories, agents, and sessions.
type Scheduler struct {
	store     *persistence.Store
	sessions  session.Driver
	worktrees Worktrees
	logger    *logx.Logger
}

// New returns a scheduler over the given store and drivers.
func New(store *persistence.Store, sessions session.Driver, worktrees Worktrees) *Scheduler {
	return &Scheduler{
		store:     store,
		sessions:  sessions,
		worktrees: worktrees,
		logger:    logx.NewLogger("scheduler"),
	}
}

// AssignResult summarizes one assignment pass.
type AssignResult struct {
	Assigned            int
	PreventedDuplicates int
	SkippedUnsatisfied  int
	CycleDetected       bool
	SpawnFailures       int
}

// AssignStories distributes all planned stories to agents: topological
// order, refactor-capacity filter, tier by complexity, least-loaded
// candidate first. Stories whose dependencies are not yet underway are
// left for the next pass.
func (s *Scheduler) AssignStories(ctx context.Context) (*AssignResult, error) {
	cfg := config.MustGet()
	result := &AssignResult{}

	planned, err := s.store.ListStoriesByStatus(persistence.StoryPlanned)
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return result, nil
	}

	edges, err := s.store.ListStoryDependencies()
	if err != nil {
		return nil, err
	}

	sorted, err := TopologicalSort(planned, edges)
	if err != nil {
		result.CycleDetected = true
		s.logger.Error("assignment aborted: %v", err)
		if logErr := s.store.LogEvent("scheduler", events.CircularDependency,
			"story dependency graph has a cycle, nothing assigned", nil); logErr != nil {
			s.logger.Warn("failed to log cycle event: %v", logErr)
		}
		return result, nil
	}

	sorted = SelectStoriesForCapacity(sorted, cfg.Scaling.Refactor)

	// Group by team, preserving topological order within each group.
	byTeam := make(map[string][]*persistence.Story)
	var teamOrder []string
	for _, story := range sorted {
		if story.TeamID == nil {
			s.logger.Warn("story %s has no team, skipping", story.ID)
			continue
		}
		if _, seen := byTeam[*story.TeamID]; !seen {
			teamOrder = append(teamOrder, *story.TeamID)
		}
		byTeam[*story.TeamID] = append(byTeam[*story.TeamID], story)
	}

	for _, teamID := range teamOrder {
		if err := s.assignTeamStories(ctx, teamID, byTeam[teamID], &cfg, result); err != nil {
			s.logger.Error("assignment for team %s failed: %v", teamID, err)
		}
	}
	return result, nil
}

func (s *Scheduler) assignTeamStories(ctx context.Context, teamID string, stories []*persistence.Story, cfg *config.Config, result *AssignResult) error {
	team, err := s.store.GetTeam(teamID)
	if err != nil {
		return err
	}

	// A senior must exist before juniors get work: someone has to review.
	if _, err := s.SpawnAgent(ctx, persistence.AgentSenior, team, 0); err != nil {
		s.logger.Warn("failed to ensure senior for team %s: %v", team.Name, err)
	}

	agents, err := s.store.ListAgentsByTeam(teamID)
	if err != nil {
		return err
	}

	for _, story := range stories {
		// Re-read: a CLI command or earlier step may have assigned it since
		// the batch was listed.
		fresh, err := s.store.GetStory(story.ID)
		if err != nil {
			s.logger.Warn("story %s vanished mid-assignment: %v", story.ID, err)
			continue
		}
		if fresh.AssignedAgentID != nil {
			result.PreventedDuplicates++
			if err := s.store.LogStoryEvent("scheduler", story.ID, events.DuplicateAssignmentPrevented,
				fmt.Sprintf("story already assigned to %s", *fresh.AssignedAgentID), nil); err != nil {
				s.logger.Warn("failed to log duplicate prevention: %v", err)
			}
			continue
		}

		satisfied, err := s.dependenciesSatisfied(story.ID)
		if err != nil {
			return err
		}
		if !satisfied {
			result.SkippedUnsatisfied++
			continue
		}

		complexity := story.ComplexityScore
		if complexity == 0 {
			complexity = defaultComplexity
		}
		tier := tierForComplexity(complexity, cfg.Scaling)

		agent, err := s.pickOrSpawn(ctx, team, agents, tier)
		if err != nil {
			result.SpawnFailures++
			s.logger.Error("no agent available for story %s: %v", story.ID, err)
			continue
		}

		err = s.store.WithTransaction(func() error {
			if err := s.store.UpdateStoryAssignment(story.ID, &agent.ID, persistence.StoryInProgress); err != nil {
				return err
			}
			if err := s.store.UpdateAgentAssignment(agent.ID, &story.ID, persistence.AgentWorking); err != nil {
				return err
			}
			return s.store.CreateLog(agent.ID, &story.ID, events.StoryAssigned, nil,
				strp(fmt.Sprintf("assigned %q to %s %s", story.Title, agent.Type, agent.ID)), nil)
		})
		if err != nil {
			return fmt.Errorf("failed to commit assignment of %s: %w", story.ID, err)
		}
		agent.Status = persistence.AgentWorking
		result.Assigned++
		s.logger.Info("assigned story %s to %s agent %s", story.ID, agent.Type, agent.ID)
	}
	return nil
}

// tierForComplexity maps an estimate onto the cheapest capable tier.
func tierForComplexity(complexity int, scaling config.ScalingConfig) string {
	switch {
	case complexity <= scaling.JuniorMaxComplexity:
		return persistence.AgentJunior
	case complexity <= scaling.IntermediateMaxComplexity:
		return persistence.AgentIntermediate
	default:
		return persistence.AgentSenior
	}
}

// nextTierUp is the spawn-failure fallback ladder.
func nextTierUp(tier string) string {
	switch tier {
	case persistence.AgentJunior:
		return persistence.AgentIntermediate
	case persistence.AgentIntermediate:
		return persistence.AgentSenior
	default:
		return ""
	}
}

// pickOrSpawn selects the least-loaded idle agent of the tier, spawning one
// when none is idle and climbing a tier when the spawn fails.
func (s *Scheduler) pickOrSpawn(ctx context.Context, team *persistence.Team, agents []*persistence.Agent, tier string) (*persistence.Agent, error) {
	for tier != "" {
		if agent := s.leastLoadedIdle(agents, tier); agent != nil {
			return agent, nil
		}

		index := 1 + countOfType(agents, tier)
		agent, err := s.SpawnAgent(ctx, tier, team, index)
		if err == nil {
			agents = append(agents, agent)
			return agent, nil
		}
		s.logger.Warn("spawn of %s for team %s failed, trying next tier: %v", tier, team.Name, err)
		tier = nextTierUp(tier)
	}
	return nil, fmt.Errorf("no tier could be spawned for team %s", team.Name)
}

// leastLoadedIdle returns the idle agent of the tier with the fewest
// in-flight stories. Ties break by creation order, which is the order the
// store lists agents in.
func (s *Scheduler) leastLoadedIdle(agents []*persistence.Agent, tier string) *persistence.Agent {
	var best *persistence.Agent
	bestDepth := -1
	for _, agent := range agents {
		if agent.Type != tier || agent.Status != persistence.AgentIdle {
			continue
		}
		depth, err := s.queueDepth(agent.ID)
		if err != nil {
			s.logger.Warn("failed to compute queue depth for %s: %v", agent.ID, err)
			continue
		}
		if best == nil || depth < bestDepth {
			best = agent
			bestDepth = depth
		}
	}
	return best
}

// queueDepth counts an agent's stories still in the active pipeline.
func (s *Scheduler) queueDepth(agentID string) (int, error) {
	stories, err := s.store.ListStoriesByAgent(agentID,
		persistence.StoryInProgress, persistence.StoryReview,
		persistence.StoryQA, persistence.StoryQAFailed)
	if err != nil {
		return 0, err
	}
	return len(stories), nil
}

func countOfType(agents []*persistence.Agent, tier string) int {
	n := 0
	for _, agent := range agents {
		if agent.Type == tier {
			n++
		}
	}
	return n
}

// sortAgentsBySessionIndexDesc orders agents so the highest-indexed session
// comes first, the order scale-down retires them in.
func sortAgentsBySessionIndexDesc(agents []*persistence.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		return sessionIndex(agents[i]) > sessionIndex(agents[j])
	})
}

// sessionIndex extracts the trailing numeric suffix of a session name
// ("hive-qa-backend-3" yields 3); unindexed names yield 0.
func sessionIndex(agent *persistence.Agent) int {
	if agent.SessionName == nil {
		return 0
	}
	name := *agent.SessionName
	cut := strings.LastIndexByte(name, '-')
	if cut < 0 {
		return 0
	}
	idx, err := strconv.Atoi(name[cut+1:])
	if err != nil {
		return 0
	}
	return idx
}

func strp(s string) *string { return &s }
