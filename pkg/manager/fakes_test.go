package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hive/pkg/cluster"
	"hive/pkg/codehost"
	"hive/pkg/connector"
	"hive/pkg/messaging"
	"hive/pkg/persistence"
	"hive/pkg/scheduler"
	"hive/pkg/session"
	"hive/pkg/utils"
)

type fakeDriver struct {
	mu      sync.Mutex
	live    map[string]bool
	buffers map[string]string
	sent    map[string][]string
	killed  []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		live:    make(map[string]bool),
		buffers: make(map[string]string),
		sent:    make(map[string][]string),
	}
}

func (d *fakeDriver) setLive(name, buffer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[name] = true
	d.buffers[name] = buffer
}

func (d *fakeDriver) sentTo(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent[name]...)
}

func (d *fakeDriver) Spawn(_ context.Context, opts session.SpawnOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
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
func (d *fakeDriver) SendEnter(context.Context, string) error       { return nil }

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
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (d *fakeDriver) WaitReady(context.Context, string, time.Duration) error { return nil }

// fakeGateway serves canned PR lists and records merges.
type fakeGateway struct {
	mu     sync.Mutex
	open   []codehost.PR
	merged []codehost.PR
	closed []codehost.PR

	mergedNumbers []int
}

func (g *fakeGateway) ListOpenPRs(context.Context, string, string) ([]codehost.PR, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]codehost.PR(nil), g.open...), nil
}

func (g *fakeGateway) ListMergedPRs(context.Context, string, string, int) ([]codehost.PR, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]codehost.PR(nil), g.merged...), nil
}

func (g *fakeGateway) ListClosedPRs(context.Context, string, int) ([]codehost.PR, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]codehost.PR(nil), g.closed...), nil
}

func (g *fakeGateway) ClosePR(context.Context, string, int) bool { return true }

func (g *fakeGateway) CreatePR(_ context.Context, _, head, _ string) (*codehost.PR, error) {
	return &codehost.PR{Number: 1, HeadRef: head, URL: "https://example.test/pull/1"}, nil
}

func (g *fakeGateway) MergePR(_ context.Context, _ string, number int, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mergedNumbers = append(g.mergedNumbers, number)
	return nil
}

// fakeTracker records status pushes keyed by issue/epic key.
type fakeTracker struct {
	mu         sync.Mutex
	storySyncs map[string]string
	epicSyncs  map[string]string
	storyCalls int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		storySyncs: make(map[string]string),
		epicSyncs:  make(map[string]string),
	}
}

func (tr *fakeTracker) IsEpicURL(string) bool { return false }

func (tr *fakeTracker) ParseEpicURL(string) (string, bool) { return "", false }

func (tr *fakeTracker) FetchEpic(context.Context, string) (*connector.Epic, error) {
	return nil, connector.ErrNotConfigured
}

func (tr *fakeTracker) SyncStoryStatus(_ context.Context, issueKey, status string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.storySyncs[issueKey] = status
	tr.storyCalls++
	return nil
}

func (tr *fakeTracker) SyncEpicStatus(_ context.Context, epicKey, status string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.epicSyncs[epicKey] = status
	return nil
}

type fakeWorktrees struct{}

func (fakeWorktrees) Create(_ context.Context, agentID, teamID, _ string) (string, error) {
	return fmt.Sprintf("repos/%s-%s", teamID, agentID), nil
}

func (fakeWorktrees) Remove(context.Context, string) error { return nil }

type fixture struct {
	store   *persistence.Store
	driver  *fakeDriver
	gateway *fakeGateway
	tracker *fakeTracker
	mgr     *Manager
	team    *persistence.Team
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := newFakeDriver()
	gateway := &fakeGateway{}
	sched := scheduler.New(store, driver, fakeWorktrees{})
	msgs := messaging.NewService(store)

	team := &persistence.Team{ID: utils.NewID(), Name: "backend", RepoPath: "repo"}
	require.NoError(t, store.CreateTeam(team))

	f := &fixture{
		store:   store,
		driver:  driver,
		gateway: gateway,
		tracker: newFakeTracker(),
		team:    team,
		clock:   time.Now(),
	}
	f.mgr = New(store, driver, sched, gateway, f.tracker, msgs, cluster.NewSingleNode())
	f.mgr.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) addAgent(t *testing.T, agentType, sessionName, buffer, status string) *persistence.Agent {
	t.Helper()
	agent := &persistence.Agent{
		ID:          utils.NewID(),
		Type:        agentType,
		TeamID:      &f.team.ID,
		SessionName: &sessionName,
		Model:       "test-model",
		Status:      status,
	}
	require.NoError(t, f.store.CreateAgent(agent))
	f.driver.setLive(sessionName, buffer)
	return agent
}
