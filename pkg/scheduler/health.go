package scheduler

import (
	"context"
	"fmt"

	"hive/pkg/events"
	"hive/pkg/persistence"
)

// HealthResult summarizes one health-check pass.
type HealthResult struct {
	// Revived holds IDs of stories returned to planned after their agent's
	// session died.
	Revived          []string
	TerminatedAgents int
	OrphansRecovered int
}

// HealthCheck reconciles agent rows against live sessions. Agents whose
// session is gone are terminated and their stories revived; stories
// assigned to already-terminated agents are recovered as orphans.
func (s *Scheduler) HealthCheck(ctx context.Context) (*HealthResult, error) {
	result := &HealthResult{}

	live, err := s.sessions.List(ctx, "hive-")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	agents, err := s.store.ListActiveAgents()
	if err != nil {
		return nil, err
	}

	for _, agent := range agents {
		if agent.SessionName != nil && liveSet[*agent.SessionName] {
			continue
		}

		// Session is gone: tear the agent down and free its story.
		storyID := agent.CurrentStoryID
		s.removeWorktree(ctx, agent)
		if err := s.store.TerminateAgent(agent.ID); err != nil {
			s.logger.Error("failed to terminate dead agent %s: %v", agent.ID, err)
			continue
		}
		result.TerminatedAgents++

		if storyID != nil {
			if err := s.reviveStory(*storyID, agent.ID); err != nil {
				s.logger.Error("failed to revive story %s: %v", *storyID, err)
				continue
			}
			result.Revived = append(result.Revived, *storyID)
		}
	}

	orphans, err := s.recoverOrphanedStories()
	if err != nil {
		return result, err
	}
	result.OrphansRecovered = orphans
	return result, nil
}

// reviveStory returns a story to the planned pool after its agent died.
func (s *Scheduler) reviveStory(storyID, agentID string) error {
	if err := s.store.UpdateStoryAssignment(storyID, nil, persistence.StoryPlanned); err != nil {
		return err
	}
	return s.store.CreateLog(agentID, &storyID, events.StoryRevived, nil,
		strp("agent session died, story returned to planned"), nil)
}

// recoverOrphanedStories clears assignments that point at terminated
// agents. These appear when a termination path crashed between updating
// the agent and the story.
func (s *Scheduler) recoverOrphanedStories() (int, error) {
	stories, err := s.store.ListAllStories()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, story := range stories {
		if story.AssignedAgentID == nil || story.Status == persistence.StoryMerged {
			continue
		}
		agent, err := s.store.GetAgent(*story.AssignedAgentID)
		if err != nil {
			s.logger.Warn("story %s references unknown agent %s", story.ID, *story.AssignedAgentID)
			continue
		}
		if agent.Status != persistence.AgentTerminated {
			continue
		}

		if err := s.store.UpdateStoryAssignment(story.ID, nil, persistence.StoryPlanned); err != nil {
			return recovered, err
		}
		if err := s.store.CreateLog(agent.ID, &story.ID, events.OrphanRecovered, nil,
			strp("assignment pointed at a terminated agent"), nil); err != nil {
			s.logger.Warn("failed to log orphan recovery: %v", err)
		}
		recovered++
	}
	return recovered, nil
}
