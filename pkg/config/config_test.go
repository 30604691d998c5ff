package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	Reset()
	dir := t.TempDir()

	require.NoError(t, Load(dir))

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 60_000, cfg.Manager.SlowPollIntervalMS)
	assert.Equal(t, 3, cfg.Scaling.JuniorMaxComplexity)
	assert.Equal(t, 5, cfg.QA.MaxAgents)
	assert.False(t, cfg.Cluster.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	Reset()
	dir := t.TempDir()

	doc := `
manager:
  slow_poll_interval: 15000
  nudge_cooldown_ms: 60000
scaling:
  junior_max_complexity: 2
  intermediate_max_complexity: 5
  senior_capacity: 30
  refactor:
    enabled: true
    capacity_percent: 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(doc), 0o644))
	require.NoError(t, Load(dir))

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 15_000, cfg.Manager.SlowPollIntervalMS)
	assert.Equal(t, 60_000, cfg.Manager.NudgeCooldownMS)
	assert.Equal(t, 2, cfg.Scaling.JuniorMaxComplexity)
	assert.True(t, cfg.Scaling.Refactor.Enabled)
	assert.Equal(t, 25, cfg.Scaling.Refactor.CapacityPercent)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.QA.MaxAgents)
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	Reset()
	dir := t.TempDir()

	doc := `
scaling:
  junior_max_complexity: 9
  intermediate_max_complexity: 4
  senior_capacity: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(doc), 0o644))
	assert.Error(t, Load(dir))
}

func TestModelForTierGodmode(t *testing.T) {
	cfg := DefaultConfig()

	normal := cfg.ModelForTier("junior", false)
	assert.Equal(t, "claude-sonnet-4-5", normal.Model)

	god := cfg.ModelForTier("junior", true)
	assert.Equal(t, cfg.Models["tech_lead"].Model, god.Model)
}

func TestModelForTierUnknownFallsBackToSenior(t *testing.T) {
	cfg := DefaultConfig()
	m := cfg.ModelForTier("mystery", false)
	assert.Equal(t, cfg.Models["senior"], m)
}

func TestLoadEnvFile(t *testing.T) {
	Reset()
	dir := t.TempDir()
	t.Setenv("HIVE_TEST_TOKEN", "")
	// godotenv never overrides variables already present in the environment.
	require.NoError(t, os.Unsetenv("HIVE_TEST_TOKEN"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFileName), []byte("HIVE_TEST_TOKEN=abc123\n"), 0o600))
	require.NoError(t, Load(dir))

	assert.Equal(t, "abc123", os.Getenv("HIVE_TEST_TOKEN"))
}
