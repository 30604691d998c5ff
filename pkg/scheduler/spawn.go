package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hive/pkg/agentstate"
	"hive/pkg/config"
	"hive/pkg/events"
	"hive/pkg/lock"
	"hive/pkg/persistence"
	"hive/pkg/session"
	"hive/pkg/utils"
)

const (
	readyTimeout = 2 * time.Minute
	// bypassAttempts bounds force_bypass_mode retries.
	bypassAttempts = 3
)

// SessionNameFor computes the canonical session name for an agent slot.
// Index 0 means the unindexed singleton slot (senior, tech lead).
func SessionNameFor(agentType, teamName string, index int) string {
	name := fmt.Sprintf("hive-%s-%s", agentType, utils.SlugifyName(teamName))
	if index > 0 {
		name = fmt.Sprintf("%s-%d", name, index)
	}
	return name
}

// SpawnAgent brings up an agent session for a team slot and persists its
// row. Idempotent per session name: when a live agent already holds the
// slot it is returned unchanged.
func (s *Scheduler) SpawnAgent(ctx context.Context, agentType string, team *persistence.Team, index int) (*persistence.Agent, error) {
	cfg := config.MustGet()
	sessionName := SessionNameFor(agentType, team.Name, index)

	// Reuse a live holder of the slot.
	existing, err := s.store.GetAgentBySession(sessionName)
	if err == nil && s.sessions.IsRunning(ctx, sessionName) {
		s.logger.Debug("session %s already live, reusing agent %s", sessionName, existing.ID)
		return existing, nil
	}
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	// The tech lead is a cluster-wide singleton, not a per-team slot.
	if agentType == persistence.AgentTechLead {
		leads, err := s.store.CountTechLeads()
		if err != nil {
			return nil, err
		}
		if leads > 0 {
			return nil, fmt.Errorf("a tech lead is already active; refusing to spawn %s", sessionName)
		}
	}

	agentID := utils.NewID()
	worktreePath, err := s.worktrees.Create(ctx, agentID, team.ID, team.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare worktree for %s: %w", sessionName, err)
	}

	model := cfg.ModelForTier(agentType, false)
	if err := s.sessions.Spawn(ctx, session.SpawnOptions{
		Name:          sessionName,
		WorkDir:       worktreePath,
		Argv:          buildCLICommand(model),
		InitialPrompt: rolePrompt(agentType, team.Name, sessionName),
	}); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", sessionName, err)
	}

	if err := s.sessions.WaitReady(ctx, sessionName, readyTimeout); err != nil {
		s.logger.Warn("session %s slow to initialize: %v", sessionName, err)
	}
	if !ForceBypassMode(ctx, s.sessions, sessionName) {
		s.logger.Warn("could not confirm bypass mode for %s", sessionName)
	}

	agent := &persistence.Agent{
		ID:           agentID,
		Type:         agentType,
		TeamID:       &team.ID,
		SessionName:  &sessionName,
		Model:        model.Model,
		CLITool:      model.CLITool,
		Status:       persistence.AgentWorking,
		WorktreePath: &worktreePath,
	}
	if err := s.store.CreateAgent(agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent %s: %w", agentID, err)
	}
	if err := s.store.LogEvent(agentID, events.AgentSpawned,
		fmt.Sprintf("spawned %s agent in session %s", agentType, sessionName), nil); err != nil {
		s.logger.Warn("failed to log spawn event: %v", err)
	}

	s.ensureManagerRunning()
	return agent, nil
}

// buildCLICommand assembles the agent CLI invocation from the tier's model
// config.
func buildCLICommand(model config.ModelConfig) []string {
	argv := []string{model.CLITool, "--model", model.Model}
	if model.SafetyMode == "bypass" {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	return argv
}

// ForceBypassMode flips a session out of plan/safe mode into
// bypass-permissions mode, retrying up to bypassAttempts. Returns whether
// the pane no longer shows mode markers.
func ForceBypassMode(ctx context.Context, driver session.Driver, name string) bool {
	for attempt := 0; attempt < bypassAttempts; attempt++ {
		buffer, err := driver.Capture(ctx, name, 30)
		if err == nil && !agentstate.NeedsBypassEnforcement(buffer) {
			return true
		}
		// Escape any pending prompt, then cycle the permission mode.
		_ = driver.SendKey(ctx, name, "Escape")
		_ = driver.SendKey(ctx, name, "BTab")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	buffer, err := driver.Capture(ctx, name, 30)
	return err == nil && !agentstate.NeedsBypassEnforcement(buffer)
}

// ensureManagerRunning warns when no live manager holds the singleton lock;
// agents without a manager never get nudged or merged.
func (s *Scheduler) ensureManagerRunning() {
	l := lock.New(config.LockPath())
	if !l.Held() {
		s.logger.Warn("no manager is running; start one with `hive manager start`")
	}
}

// rolePrompt is the initial instruction block pasted into a fresh session.
func rolePrompt(agentType, teamName, sessionName string) string {
	header := fmt.Sprintf(
		"You are the %s agent for team %q, session %s.\n"+
			"Use `hive msg inbox %s` to check messages and `hive msg reply` to answer them.\n",
		agentType, teamName, sessionName, sessionName)

	switch agentType {
	case persistence.AgentTechLead:
		return header + "Break incoming requirements into estimated stories with dependencies, then hand them to the scheduler with `hive stories assign`."
	case persistence.AgentSenior:
		return header + "Pick up assigned stories, review junior work, and keep the team unblocked. Open a PR when a story is done."
	case persistence.AgentQA:
		return header + "Verify stories in the merge queue against their acceptance criteria. Approve or reject their PRs with clear notes."
	case persistence.AgentFeatureTest:
		return header + "Exercise completed features end to end and file findings as messages to the senior."
	default:
		return header + "Implement your assigned story in this worktree, commit as you go, and open a PR when the acceptance criteria pass."
	}
}
