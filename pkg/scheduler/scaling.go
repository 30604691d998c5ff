package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"

	"hive/pkg/config"
	"hive/pkg/events"
	"hive/pkg/persistence"
)

// spawnConcurrency caps parallel session launches during scale-up.
const spawnConcurrency = 8

// ScaleResult summarizes one merge-queue pass.
type ScaleResult struct {
	SpawnedQA    int
	TerminatedQA int
}

// CheckMergeQueue sizes each team's QA pool to its pending verification
// load: zero when the queue is empty, otherwise one agent per
// stories_per_agent pending stories, capped at max_agents. Excess agents
// retire highest-indexed first.
func (s *Scheduler) CheckMergeQueue(ctx context.Context) (*ScaleResult, error) {
	cfg := config.MustGet()
	result := &ScaleResult{}

	teams, err := s.store.ListTeams()
	if err != nil {
		return nil, err
	}

	for _, team := range teams {
		pending, err := s.countPendingVerification(team.ID)
		if err != nil {
			s.logger.Error("merge-queue count for team %s failed: %v", team.Name, err)
			continue
		}

		needed := 0
		if pending > 0 {
			needed = int(math.Ceil(float64(pending) / cfg.QA.StoriesPerAgent))
			if needed > cfg.QA.MaxAgents {
				needed = cfg.QA.MaxAgents
			}
		}

		current, err := s.store.ListAgentsByTeamAndType(team.ID, persistence.AgentQA)
		if err != nil {
			s.logger.Error("listing QA agents for team %s failed: %v", team.Name, err)
			continue
		}

		switch {
		case needed > len(current):
			spawned := s.spawnQAParallel(ctx, team, len(current), needed-len(current))
			result.SpawnedQA += spawned
			if spawned > 0 {
				s.logScaleEvent(team, events.TeamScaledUp,
					fmt.Sprintf("scaled QA up for %d pending stories", pending),
					len(current), len(current)+spawned)
			}
		case needed < len(current):
			retired := s.retireQA(ctx, current, len(current)-needed)
			result.TerminatedQA += retired
			if retired > 0 {
				s.logScaleEvent(team, events.TeamScaledDown,
					fmt.Sprintf("scaled QA down, queue has %d pending", pending),
					len(current), len(current)-retired)
			}
		}
	}
	return result, nil
}

func (s *Scheduler) countPendingVerification(teamID string) (int, error) {
	stories, err := s.store.ListStoriesByTeam(teamID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, story := range stories {
		if story.Status == persistence.StoryQA || story.Status == persistence.StoryPRSubmitted {
			n++
		}
	}
	return n, nil
}

// spawnQAParallel launches the deficit concurrently, bounded by
// spawnConcurrency. Returns how many came up.
func (s *Scheduler) spawnQAParallel(ctx context.Context, team *persistence.Team, startIndex, deficit int) int {
	sem := make(chan struct{}, spawnConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	spawned := 0

	for i := 0; i < deficit; i++ {
		index := startIndex + i + 1
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.SpawnAgent(ctx, persistence.AgentQA, team, index); err != nil {
				s.logger.Error("QA spawn %d for team %s failed: %v", index, team.Name, err)
				return
			}
			mu.Lock()
			spawned++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return spawned
}

// retireQA terminates count agents, highest session index first.
func (s *Scheduler) retireQA(ctx context.Context, agents []*persistence.Agent, count int) int {
	sortAgentsBySessionIndexDesc(agents)
	retired := 0
	for _, agent := range agents[:count] {
		if err := s.RetireAgent(ctx, agent, "QA queue drained"); err != nil {
			s.logger.Error("failed to retire QA agent %s: %v", agent.ID, err)
			continue
		}
		retired++
	}
	return retired
}

// RetireAgent kills the session, removes the worktree, and marks the row
// terminated.
func (s *Scheduler) RetireAgent(ctx context.Context, agent *persistence.Agent, reason string) error {
	if agent.SessionName != nil {
		if err := s.sessions.Kill(ctx, *agent.SessionName); err != nil {
			s.logger.Warn("failed to kill session %s: %v", *agent.SessionName, err)
		}
	}
	s.removeWorktree(ctx, agent)
	if err := s.store.TerminateAgent(agent.ID); err != nil {
		return err
	}
	if err := s.store.LogEvent(agent.ID, events.AgentTerminated, reason, nil); err != nil {
		s.logger.Warn("failed to log termination: %v", err)
	}
	return nil
}

// removeWorktree is best-effort; a failure becomes an event, never an error.
func (s *Scheduler) removeWorktree(ctx context.Context, agent *persistence.Agent) {
	if agent.WorktreePath == nil {
		return
	}
	if err := s.worktrees.Remove(ctx, *agent.WorktreePath); err != nil {
		s.logger.Warn("worktree removal for %s failed: %v", agent.ID, err)
		if logErr := s.store.LogEvent(agent.ID, events.WorktreeRemovalFailed, err.Error(), nil); logErr != nil {
			s.logger.Warn("failed to log worktree removal failure: %v", logErr)
		}
	}
}

func (s *Scheduler) logScaleEvent(team *persistence.Team, eventType, message string, previous, current int) {
	if err := s.store.LogEvent("scheduler", eventType, message, map[string]any{
		"team":          team.Name,
		"previousCount": previous,
		"newCount":      current,
	}); err != nil {
		s.logger.Warn("failed to log scale event: %v", err)
	}
}

// EnsureSeniorCapacity sizes each team's senior pool to its story-point
// load: ceil(points / senior_capacity) seniors, spawn-only (seniors are
// never scaled down).
func (s *Scheduler) EnsureSeniorCapacity(ctx context.Context) error {
	cfg := config.MustGet()

	teams, err := s.store.ListTeams()
	if err != nil {
		return err
	}
	for _, team := range teams {
		stories, err := s.store.ListStoriesByTeam(team.ID)
		if err != nil {
			return err
		}
		points := 0
		for _, story := range stories {
			if story.Status != persistence.StoryMerged {
				points += story.CapacityPoints()
			}
		}

		needed := int(math.Ceil(float64(points) / float64(cfg.Scaling.SeniorCapacity)))
		if needed < 1 {
			needed = 1
		}
		current, err := s.store.ListAgentsByTeamAndType(team.ID, persistence.AgentSenior)
		if err != nil {
			return err
		}
		for index := len(current); index < needed; index++ {
			if _, err := s.SpawnAgent(ctx, persistence.AgentSenior, team, index); err != nil {
				s.logger.Error("senior spawn for team %s failed: %v", team.Name, err)
				break
			}
		}
	}
	return nil
}
