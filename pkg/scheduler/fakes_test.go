package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hive/pkg/persistence"
	"hive/pkg/session"
	"hive/pkg/utils"
)

// fakeDriver is an in-memory session.Driver.
type fakeDriver struct {
	mu        sync.Mutex
	live      map[string]bool
	buffers   map[string]string
	sent      map[string][]string
	killed    []string
	failSpawn bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		live:    make(map[string]bool),
		buffers: make(map[string]string),
		sent:    make(map[string][]string),
	}
}

func (d *fakeDriver) setLive(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range names {
		d.live[name] = true
	}
}

func (d *fakeDriver) Spawn(_ context.Context, opts session.SpawnOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSpawn {
		return fmt.Errorf("spawn of %s refused", opts.Name)
	}
	d.live[opts.Name] = true
	return nil
}

func (d *fakeDriver) Send(_ context.Context, name, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[name] = append(d.sent[name], text)
	return nil
}

func (d *fakeDriver) SendKey(context.Context, string, string) error { return nil }

func (d *fakeDriver) SendEnter(context.Context, string) error { return nil }

func (d *fakeDriver) SendWithConfirmation(ctx context.Context, name, text string) (bool, error) {
	return true, d.Send(ctx, name, text)
}

func (d *fakeDriver) Capture(_ context.Context, name string, _ int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[name], nil
}

func (d *fakeDriver) Kill(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, name)
	d.killed = append(d.killed, name)
	return nil
}

func (d *fakeDriver) IsRunning(_ context.Context, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[name]
}

func (d *fakeDriver) List(_ context.Context, prefix string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name := range d.live {
		if prefix == "" || len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	return names, nil
}

func (d *fakeDriver) WaitReady(context.Context, string, time.Duration) error { return nil }

// fakeWorktrees hands out paths without touching git.
type fakeWorktrees struct {
	mu         sync.Mutex
	base       string
	removed    []string
	failRemove bool
}

func (w *fakeWorktrees) Create(_ context.Context, agentID, teamID, _ string) (string, error) {
	return filepath.Join(w.base, fmt.Sprintf("%s-%s", teamID, agentID)), nil
}

func (w *fakeWorktrees) Remove(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failRemove {
		return fmt.Errorf("worktree %s is busy", path)
	}
	w.removed = append(w.removed, path)
	return nil
}

type fixture struct {
	store     *persistence.Store
	driver    *fakeDriver
	worktrees *fakeWorktrees
	sched     *Scheduler
	team      *persistence.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := newFakeDriver()
	worktrees := &fakeWorktrees{base: filepath.Join(dir, "repos")}

	team := &persistence.Team{ID: utils.NewID(), Name: "backend", RepoPath: filepath.Join(dir, "repo")}
	require.NoError(t, store.CreateTeam(team))

	return &fixture{
		store:     store,
		driver:    driver,
		worktrees: worktrees,
		sched:     New(store, driver, worktrees),
		team:      team,
	}
}

// addAgent persists an agent with a live session for its slot.
func (f *fixture) addAgent(t *testing.T, agentType string, index int, status string) *persistence.Agent {
	t.Helper()
	name := SessionNameFor(agentType, f.team.Name, index)
	agent := &persistence.Agent{
		ID:          utils.NewID(),
		Type:        agentType,
		TeamID:      &f.team.ID,
		SessionName: &name,
		Model:       "test-model",
		Status:      status,
	}
	require.NoError(t, f.store.CreateAgent(agent))
	f.driver.setLive(name)
	return agent
}

func (f *fixture) addStory(t *testing.T, id, title string, complexity int, status string) *persistence.Story {
	t.Helper()
	story := &persistence.Story{
		ID:              id,
		TeamID:          &f.team.ID,
		Title:           title,
		ComplexityScore: complexity,
		Status:          status,
	}
	require.NoError(t, f.store.CreateStory(story))
	return story
}
