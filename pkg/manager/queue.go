package manager

import (
	"context"
	"fmt"
	"time"

	"hive/pkg/agentstate"
	"hive/pkg/events"
	"hive/pkg/persistence"
)

// notifyQAOfQueue tells each QA session when PRs are waiting for review.
func (m *Manager) notifyQAOfQueue(ctx context.Context) error {
	waiting, err := m.store.ListPullRequestsByStatus(persistence.PRQueued, persistence.PRReviewing)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	qaSessions, err := m.sessions.List(ctx, sessionPrefix+persistence.AgentQA+"-")
	if err != nil {
		return err
	}
	for _, name := range qaSessions {
		m.deliver(ctx, name, fmt.Sprintf(
			"The merge queue has %d PR(s) awaiting verification. Check `hive pr` for the list.", len(waiting)))
	}
	return nil
}

// handleRejectedPRs fails the story, tells the submitter once, and closes
// the PR row so the rejection is never announced twice.
func (m *Manager) handleRejectedPRs(ctx context.Context, counters *tickCounters) error {
	rejected, err := m.store.ListPullRequestsByStatus(persistence.PRRejected)
	if err != nil {
		return err
	}
	for _, pr := range rejected {
		if pr.StoryID != nil {
			if err := m.store.UpdateStoryStatus(*pr.StoryID, persistence.StoryQAFailed); err != nil {
				m.logger.Warn("failed to fail story %s: %v", *pr.StoryID, err)
			} else if err := m.store.LogStoryEvent("manager", *pr.StoryID, events.StoryQAFailed,
				fmt.Sprintf("PR for branch %s was rejected", pr.BranchName), nil); err != nil {
				m.logger.Warn("failed to log QA failure: %v", err)
			}
		}

		notes := "no notes"
		if pr.ReviewNotes != nil {
			notes = *pr.ReviewNotes
		}
		m.deliver(ctx, pr.SubmittedBy, fmt.Sprintf(
			"Your PR on %s was rejected (%s). The story is back in qa_failed; please rework it.",
			pr.BranchName, notes))

		if err := m.store.UpdatePullRequestStatus(pr.ID, persistence.PRClosed, nil); err != nil {
			return err
		}
		counters.rejectionsHandled++
	}
	return nil
}

// remindQAFailures prods developers sitting on qa_failed rework, but only
// when their session is idle: an agent mid-rework is left alone.
func (m *Manager) remindQAFailures(ctx context.Context) error {
	failed, err := m.store.ListStoriesByStatus(persistence.StoryQAFailed)
	if err != nil {
		return err
	}
	for _, story := range failed {
		if story.AssignedAgentID == nil {
			continue
		}
		agent, err := m.store.GetAgent(*story.AssignedAgentID)
		if err != nil || agent.SessionName == nil {
			continue
		}
		if !m.sessionIdle(ctx, *agent.SessionName) {
			continue
		}
		m.deliver(ctx, *agent.SessionName, fmt.Sprintf(
			"Story %q failed QA and is waiting for rework. Address the review notes and resubmit.", story.Title))
	}
	return nil
}

// spinDownMerged retires agents whose story has landed.
func (m *Manager) spinDownMerged(ctx context.Context, counters *tickCounters) error {
	merged, err := m.store.ListStoriesByStatus(persistence.StoryMerged)
	if err != nil {
		return err
	}
	for _, story := range merged {
		if story.AssignedAgentID == nil {
			continue
		}
		agent, err := m.store.GetAgent(*story.AssignedAgentID)
		if err != nil {
			continue
		}

		if agent.SessionName != nil {
			m.deliver(ctx, *agent.SessionName, fmt.Sprintf(
				"Story %q is merged. Nice work; this session is being retired.", story.Title))
		}
		if agent.Status != persistence.AgentTerminated {
			if err := m.sched.RetireAgent(ctx, agent, "story merged"); err != nil {
				m.logger.Warn("failed to retire agent %s: %v", agent.ID, err)
				continue
			}
		}
		if err := m.store.UpdateStoryAssignment(story.ID, nil, persistence.StoryMerged); err != nil {
			return err
		}
		counters.spinDowns++
	}
	return nil
}

// spinDownIdlePipeline retires all worker agents when nothing is in
// flight. The tech lead stays up to plan the next requirement.
func (m *Manager) spinDownIdlePipeline(ctx context.Context) error {
	active, err := m.store.ListStoriesByStatus(
		persistence.StoryPlanned, persistence.StoryInProgress, persistence.StoryReview,
		persistence.StoryQA, persistence.StoryQAFailed, persistence.StoryPRSubmitted)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	agents, err := m.store.ListActiveAgents()
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.Type == persistence.AgentTechLead || agent.Status != persistence.AgentWorking {
			continue
		}
		if err := m.sched.RetireAgent(ctx, agent, "pipeline empty"); err != nil {
			m.logger.Warn("failed to retire idle agent %s: %v", agent.ID, err)
		}
	}
	return nil
}

// remindStuckStories prods assignees of long-running in_progress stories.
func (m *Manager) remindStuckStories(ctx context.Context) error {
	inProgress, err := m.store.ListStoriesByStatus(persistence.StoryInProgress)
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-stuckStoryAge)
	for _, story := range inProgress {
		if story.UpdatedAt.After(cutoff) || story.AssignedAgentID == nil {
			continue
		}
		agent, err := m.store.GetAgent(*story.AssignedAgentID)
		if err != nil || agent.SessionName == nil {
			continue
		}
		m.deliver(ctx, *agent.SessionName, fmt.Sprintf(
			"Story %q has been in progress for over %s. Post a status update or ask for help if you are blocked.",
			story.Title, stuckStoryAge.Round(time.Minute)))
	}
	return nil
}

// announceUnassigned tells idle seniors about planned stories waiting for
// an assignment pass.
func (m *Manager) announceUnassigned(ctx context.Context) error {
	planned, err := m.store.ListStoriesByStatus(persistence.StoryPlanned)
	if err != nil {
		return err
	}
	unassigned := 0
	for _, story := range planned {
		if story.AssignedAgentID == nil {
			unassigned++
		}
	}
	if unassigned == 0 {
		return nil
	}

	seniorSessions, err := m.sessions.List(ctx, sessionPrefix+persistence.AgentSenior)
	if err != nil {
		return err
	}
	for _, name := range seniorSessions {
		if !m.sessionIdle(ctx, name) {
			continue
		}
		m.deliver(ctx, name, fmt.Sprintf(
			"%d planned story(ies) are waiting for assignment. Run `hive stories assign` if your team has capacity.", unassigned))
	}
	return nil
}

// sessionIdle reports whether a session is waiting and not mid-generation.
func (m *Manager) sessionIdle(ctx context.Context, name string) bool {
	buffer, err := m.sessions.Capture(ctx, name, captureLines)
	if err != nil {
		return false
	}
	cls := agentstate.Classify(buffer)
	return cls.IsWaiting && cls.State != agentstate.Thinking
}
