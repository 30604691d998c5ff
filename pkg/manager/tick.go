package manager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hive/pkg/config"
	"hive/pkg/events"
	"hive/pkg/persistence"
	"hive/pkg/utils"
)

// sessionPrefix scopes supervision to this workspace's sessions.
const (
	sessionPrefix  = "hive-"
	managerSession = "hive-manager"
	captureLines   = 50
	// stuckStoryAge is how long an in_progress story may sit before its
	// assignee gets a reminder.
	stuckStoryAge = 30 * time.Minute
	mergedPRLimit = 50
)

// storyBranchRe extracts a story id from a branch name like
// "story-a1b2c3d4" or "feat/story-a1b2c3d4-login".
var storyBranchRe = regexp.MustCompile(`(?i)story-([0-9a-f]{4,})`)

// tickCounters feed the end-of-tick summary line.
type tickCounters struct {
	messagesForwarded int
	nudges            int
	escalations       int
	autoApproved      int
	bypassEnforced    int
	mergedSynced      int
	prsImported       int
	prsMerged         int
	rejectionsHandled int
	spinDowns         int
}

// Tick runs one full supervision pass. Step order is authoritative; every
// step is individually fenced so one failure never starves the rest.
func (m *Manager) Tick(ctx context.Context) {
	started := m.now()
	counters := &tickCounters{}

	// Cluster gate: a follower node stands down entirely.
	if m.clusterSy.IsEnabled() {
		if _, err := m.clusterSy.Sync(ctx, m.store); err != nil {
			m.logger.Warn("cluster sync failed: %v", err)
		}
		if !m.clusterSy.IsLeader() {
			m.logger.Info("not cluster leader, standing down")
			m.killLocalTechLeads(ctx)
			return
		}
	}

	m.step("backfill-pr-numbers", func() error {
		_, err := m.store.BackfillPRNumbers()
		return err
	})

	m.step("health-check", func() error {
		result, err := m.sched.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if result.TerminatedAgents > 0 || result.OrphansRecovered > 0 {
			return m.store.LogEvent("manager", events.HealthCheck,
				fmt.Sprintf("terminated %d dead agents, revived %d stories, recovered %d orphans",
					result.TerminatedAgents, len(result.Revived), result.OrphansRecovered), nil)
		}
		return nil
	})

	m.step("merge-queue", func() error {
		_, err := m.sched.CheckMergeQueue(ctx)
		return err
	})

	m.step("auto-merge", func() error { return m.autoMergeApprovedPRs(ctx, counters) })
	m.step("sync-merged", func() error { return m.syncMergedPRs(ctx, counters) })
	m.step("sync-open", func() error { return m.syncOpenPRs(ctx, counters) })

	m.step("sessions", func() error { return m.superviseSessions(ctx, counters) })

	m.step("qa-notify", func() error { return m.notifyQAOfQueue(ctx) })
	m.step("rejected-prs", func() error { return m.handleRejectedPRs(ctx, counters) })
	m.step("qa-failed-nudges", func() error { return m.remindQAFailures(ctx) })
	m.step("spin-down-merged", func() error { return m.spinDownMerged(ctx, counters) })
	m.step("pipeline-empty", func() error { return m.spinDownIdlePipeline(ctx) })
	m.step("stuck-stories", func() error { return m.remindStuckStories(ctx) })
	m.step("unassigned-planned", func() error { return m.announceUnassigned(ctx) })

	m.step("summary", func() error { return m.emitSummary(counters) })

	m.metrics.ticks.Inc()
	m.metrics.tickDuration.Observe(m.now().Sub(started).Seconds())
}

func (m *Manager) killLocalTechLeads(ctx context.Context) {
	names, err := m.sessions.List(ctx, sessionPrefix+persistence.AgentTechLead)
	if err != nil {
		m.logger.Warn("failed to list tech-lead sessions: %v", err)
		return
	}
	for _, name := range names {
		if err := m.sessions.Kill(ctx, name); err != nil {
			m.logger.Warn("failed to kill %s: %v", name, err)
		}
	}
}

// autoMergeApprovedPRs lands every locally approved PR via the code host.
func (m *Manager) autoMergeApprovedPRs(ctx context.Context, counters *tickCounters) error {
	approved, err := m.store.ListPullRequestsByStatus(persistence.PRApproved)
	if err != nil {
		return err
	}
	for _, pr := range approved {
		if pr.CodeHostPRNumber == nil || pr.TeamID == nil {
			continue
		}
		team, err := m.store.GetTeam(*pr.TeamID)
		if err != nil {
			m.logger.Warn("approved PR %s has unknown team: %v", pr.ID, err)
			continue
		}
		if err := m.gateway.MergePR(ctx, team.RepoPath, *pr.CodeHostPRNumber, ""); err != nil {
			m.logger.Warn("auto-merge of PR #%d failed: %v", *pr.CodeHostPRNumber, err)
			continue
		}
		if err := m.store.UpdatePullRequestStatus(pr.ID, persistence.PRMerged, nil); err != nil {
			return err
		}
		counters.prsMerged++
		if err := m.store.CreateLog("manager", pr.StoryID, events.PRMerged, nil,
			strp(fmt.Sprintf("auto-merged PR #%d (%s)", *pr.CodeHostPRNumber, pr.BranchName)), nil); err != nil {
			m.logger.Warn("failed to log PR merge: %v", err)
		}
	}
	return nil
}

// syncMergedPRs pulls merge results back from the code host and completes
// the matching stories. Merged is terminal: already-merged stories are
// never touched again.
func (m *Manager) syncMergedPRs(ctx context.Context, counters *tickCounters) error {
	teams, err := m.store.ListTeams()
	if err != nil {
		return err
	}
	for _, team := range teams {
		merged, err := m.gateway.ListMergedPRs(ctx, team.RepoPath, "", mergedPRLimit)
		if err != nil {
			m.logger.Warn("listing merged PRs for %s failed: %v", team.Name, err)
			continue
		}
		for _, pr := range merged {
			storyID, ok := storyIDFromBranch(pr.HeadRef)
			if !ok {
				continue
			}
			story, err := m.store.GetStory(storyID)
			if err != nil {
				continue
			}
			if story.Status == persistence.StoryMerged {
				continue
			}
			if err := m.store.UpdateStoryAssignment(story.ID, nil, persistence.StoryMerged); err != nil {
				return err
			}
			counters.mergedSynced++
			if err := m.store.LogStoryEvent("manager", story.ID, events.StoryMerged,
				fmt.Sprintf("PR #%d merged on code host (%s)", pr.Number, pr.HeadRef), nil); err != nil {
				m.logger.Warn("failed to log story merge: %v", err)
			}
			// Tracker pushes are fire-and-forget: the connector reconciles
			// on its own poll, so a miss here is logged and dropped.
			if story.ExternalIssueKey != "" {
				if err := m.tracker.SyncStoryStatus(ctx, story.ExternalIssueKey, persistence.StoryMerged); err != nil {
					m.logger.Warn("tracker sync for story %s (%s) failed: %v",
						story.ID, story.ExternalIssueKey, err)
				}
			}
			m.completeRequirementIfDone(ctx, story)
		}
	}
	return nil
}

// completeRequirementIfDone closes out a requirement once its last story
// has merged and pushes the result to the tracker epic.
func (m *Manager) completeRequirementIfDone(ctx context.Context, story *persistence.Story) {
	if story.RequirementID == nil {
		return
	}
	stories, err := m.store.ListAllStories()
	if err != nil {
		m.logger.Warn("failed to list stories for requirement %s: %v", *story.RequirementID, err)
		return
	}
	for _, other := range stories {
		if other.RequirementID == nil || *other.RequirementID != *story.RequirementID {
			continue
		}
		// The triggering story was just marked merged; its in-memory copy
		// still carries the old status.
		if other.ID != story.ID && other.Status != persistence.StoryMerged {
			return
		}
	}
	req, err := m.store.GetRequirement(*story.RequirementID)
	if err != nil {
		m.logger.Warn("failed to load requirement %s: %v", *story.RequirementID, err)
		return
	}
	if req.Status == persistence.RequirementCompleted {
		return
	}
	if err := m.store.UpdateRequirementStatus(req.ID, persistence.RequirementCompleted); err != nil {
		m.logger.Warn("failed to complete requirement %s: %v", req.ID, err)
		return
	}
	if req.ExternalEpicKey != "" {
		if err := m.tracker.SyncEpicStatus(ctx, req.ExternalEpicKey, persistence.RequirementCompleted); err != nil {
			m.logger.Warn("tracker sync for epic %s failed: %v", req.ExternalEpicKey, err)
		}
	}
}

// syncOpenPRs imports code-host PRs the local queue does not know yet.
func (m *Manager) syncOpenPRs(ctx context.Context, counters *tickCounters) error {
	cfg := config.MustGet()
	teams, err := m.store.ListTeams()
	if err != nil {
		return err
	}
	for _, team := range teams {
		open, err := m.gateway.ListOpenPRs(ctx, team.RepoPath, "")
		if err != nil {
			m.logger.Warn("listing open PRs for %s failed: %v", team.Name, err)
			continue
		}
		for _, pr := range open {
			if cfg.Manager.PRMaxAgeHours > 0 && !pr.CreatedAt.IsZero() {
				age := m.now().Sub(pr.CreatedAt)
				if age > time.Duration(cfg.Manager.PRMaxAgeHours)*time.Hour {
					continue
				}
			}

			storyID, ok := storyIDFromBranch(pr.HeadRef)
			var story *persistence.Story
			if ok {
				story, err = m.store.GetStory(storyID)
			}
			if !ok || err != nil || story.Status == persistence.StoryMerged {
				if logErr := m.store.LogEvent("manager", events.PRSyncSkipped,
					fmt.Sprintf("PR #%d branch %s has no open story", pr.Number, pr.HeadRef), nil); logErr != nil {
					m.logger.Warn("failed to log PR sync skip: %v", logErr)
				}
				continue
			}

			if existing, err := m.store.GetPullRequestByBranch(pr.HeadRef); err == nil {
				// A locally submitted PR may predate its code-host number;
				// fill it in once the host reports the branch.
				if existing.CodeHostPRNumber == nil {
					if err := m.store.SetPullRequestNumber(existing.ID, pr.Number, pr.URL); err != nil {
						m.logger.Warn("failed to set PR #%d on %s: %v", pr.Number, existing.ID, err)
					}
				}
				continue
			} else if !errors.Is(err, persistence.ErrNotFound) {
				return err
			}

			row := &persistence.PullRequest{
				ID:               utils.NewID(),
				StoryID:          &story.ID,
				TeamID:           &team.ID,
				BranchName:       pr.HeadRef,
				CodeHostPRNumber: &pr.Number,
				CodeHostPRURL:    &pr.URL,
				SubmittedBy:      "code-host-sync",
				Status:           persistence.PRQueued,
			}
			if err := m.store.CreatePullRequest(row); err != nil {
				return err
			}
			counters.prsImported++
			if err := m.store.UpdateStoryBranch(story.ID, pr.HeadRef, pr.URL); err != nil {
				m.logger.Warn("failed to record branch on story %s: %v", story.ID, err)
			}
			if err := m.store.LogStoryEvent("manager", story.ID, events.PRSubmitted,
				fmt.Sprintf("imported open PR #%d from code host", pr.Number), nil); err != nil {
				m.logger.Warn("failed to log PR import: %v", err)
			}
		}
	}
	return nil
}

func storyIDFromBranch(branch string) (string, bool) {
	match := storyBranchRe.FindStringSubmatch(branch)
	if match == nil {
		return "", false
	}
	return strings.ToLower(match[1]), true
}

func (m *Manager) emitSummary(counters *tickCounters) error {
	summary := fmt.Sprintf(
		"msgs=%d nudges=%d escalations=%d approved=%d bypass=%d merged=%d imported=%d landed=%d rejected=%d spindown=%d",
		counters.messagesForwarded, counters.nudges, counters.escalations,
		counters.autoApproved, counters.bypassEnforced, counters.mergedSynced,
		counters.prsImported, counters.prsMerged, counters.rejectionsHandled,
		counters.spinDowns)
	m.logger.Info("tick complete: %s", summary)
	return m.store.LogEvent("manager", events.ManagerSummary, summary, nil)
}

func strp(s string) *string { return &s }
