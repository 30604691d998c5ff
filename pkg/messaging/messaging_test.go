package messaging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hive/pkg/persistence"
	"hive/pkg/utils"
)

func createTestService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store), store
}

func TestSendAndInbox(t *testing.T) {
	svc, _ := createTestService(t)

	sent, err := svc.Send("hive-senior-backend", "hive-junior-backend-1", "review my diff", nil)
	require.NoError(t, err)

	inbox, err := svc.Inbox("hive-junior-backend-1", false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, sent.ID, inbox[0].ID)
	assert.Equal(t, persistence.MessagePending, inbox[0].Status)

	require.NoError(t, svc.Read(sent.ID))
	inbox, err = svc.Inbox("hive-junior-backend-1", false)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestEscalationDedup(t *testing.T) {
	svc, store := createTestService(t)

	team := &persistence.Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))
	agent := &persistence.Agent{ID: utils.NewID(), Type: persistence.AgentJunior, TeamID: &team.ID}
	require.NoError(t, store.CreateAgent(agent))

	first, err := svc.Escalate(agent.ID, nil, nil, "stuck on a question")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second escalation inside the window is suppressed.
	second, err := svc.Escalate(agent.ID, nil, nil, "still stuck")
	require.NoError(t, err)
	assert.Nil(t, second)

	pending, err := svc.PendingEscalations()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResolveForClearsPending(t *testing.T) {
	svc, store := createTestService(t)

	team := &persistence.Team{ID: utils.NewID(), Name: "backend"}
	require.NoError(t, store.CreateTeam(team))
	agent := &persistence.Agent{ID: utils.NewID(), Type: persistence.AgentSenior, TeamID: &team.ID}
	require.NoError(t, store.CreateAgent(agent))

	_, err := svc.Escalate(agent.ID, nil, nil, "waiting on input")
	require.NoError(t, err)

	n, err := svc.ResolveFor(agent.ID, "agent resumed work")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := svc.PendingEscalations()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Resolving again is a no-op.
	n, err = svc.ResolveFor(agent.ID, "again")
	require.NoError(t, err)
	assert.Zero(t, n)
}
