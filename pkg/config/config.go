// Package config provides configuration loading and management for the
// orchestrator.
//
// A single global Config instance is maintained in memory, protected by a
// mutex, and loaded once at startup from <workspace>/config.yaml. Accessors
// return the config BY VALUE to prevent external mutation; edits happen in
// the file and are picked up on the next start.
//
// Configuration holds settings only. State (agent rows, story status,
// timestamps) belongs in the database, never in config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hive/pkg/logx"
)

// WorkspaceDirName is the per-project state directory.
const WorkspaceDirName = ".hive"

// Workspace file names inside WorkspaceDirName.
const (
	ConfigFileName   = "config.yaml"
	DatabaseFileName = "hive.db"
	LockFileName     = "manager.lock"
	EnvFileName      = ".env"
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config       *Config
	workspaceDir string // Immutable after Load - set once at startup
	mu           sync.RWMutex
	logger       = logx.NewLogger("config")
)

// ManagerConfig holds supervision loop settings.
type ManagerConfig struct {
	SlowPollIntervalMS int    `yaml:"slow_poll_interval"`
	StuckThresholdMS   int    `yaml:"stuck_threshold_ms"`
	NudgeCooldownMS    int    `yaml:"nudge_cooldown_ms"`
	LockStaleMS        int    `yaml:"lock_stale_ms"`
	PRMaxAgeHours      int    `yaml:"pr_max_age_hours"` // 0 = no age cutoff on PR sync
	MetricsAddr        string `yaml:"metrics_addr"`     // empty = metrics endpoint disabled
}

// RefactorConfig controls the refactor-capacity policy.
type RefactorConfig struct {
	Enabled                 bool `yaml:"enabled"`
	CapacityPercent         int  `yaml:"capacity_percent"`
	AllowWithoutFeatureWork bool `yaml:"allow_without_feature_work"`
}

// ScalingConfig holds the complexity tiering and capacity knobs.
type ScalingConfig struct {
	JuniorMaxComplexity       int            `yaml:"junior_max_complexity"`
	IntermediateMaxComplexity int            `yaml:"intermediate_max_complexity"`
	SeniorCapacity            int            `yaml:"senior_capacity"`
	Refactor                  RefactorConfig `yaml:"refactor"`
}

// QAConfig holds QA worker scaling knobs.
type QAConfig struct {
	MaxAgents       int     `yaml:"max_agents"`
	StoriesPerAgent float64 `yaml:"stories_per_agent"`
}

// ModelConfig describes the runtime for one agent tier.
type ModelConfig struct {
	Model      string `yaml:"model"`
	CLITool    string `yaml:"cli_tool"`
	SafetyMode string `yaml:"safety_mode"`
}

// ClusterConfig holds optional multi-node settings.
type ClusterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	NodeID         string `yaml:"node_id"`
	PublicURL      string `yaml:"public_url"`
	SyncIntervalMS int    `yaml:"sync_interval_ms"`
}

// Config is the root configuration document.
type Config struct {
	Manager ManagerConfig          `yaml:"manager"`
	Scaling ScalingConfig          `yaml:"scaling"`
	QA      QAConfig               `yaml:"qa"`
	Models  map[string]ModelConfig `yaml:"models"`
	Cluster ClusterConfig          `yaml:"cluster"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			SlowPollIntervalMS: 60_000,
			StuckThresholdMS:   120_000,
			NudgeCooldownMS:    300_000,
			LockStaleMS:        300_000,
			PRMaxAgeHours:      0,
		},
		Scaling: ScalingConfig{
			JuniorMaxComplexity:       3,
			IntermediateMaxComplexity: 7,
			SeniorCapacity:            20,
			Refactor: RefactorConfig{
				Enabled:                 false,
				CapacityPercent:         20,
				AllowWithoutFeatureWork: false,
			},
		},
		QA: QAConfig{
			MaxAgents:       5,
			StoriesPerAgent: 2.5,
		},
		Models: map[string]ModelConfig{
			"tech_lead":    {Model: "claude-opus-4-1", CLITool: "claude", SafetyMode: "bypass"},
			"senior":       {Model: "claude-opus-4-1", CLITool: "claude", SafetyMode: "bypass"},
			"intermediate": {Model: "claude-sonnet-4-5", CLITool: "claude", SafetyMode: "bypass"},
			"junior":       {Model: "claude-sonnet-4-5", CLITool: "claude", SafetyMode: "bypass"},
			"qa":           {Model: "claude-sonnet-4-5", CLITool: "claude", SafetyMode: "bypass"},
			"feature_test": {Model: "claude-sonnet-4-5", CLITool: "claude", SafetyMode: "bypass"},
		},
		Cluster: ClusterConfig{
			Enabled:        false,
			SyncIntervalMS: 30_000,
		},
	}
}

// Load reads the config file from the workspace directory, applying defaults
// for missing keys, and loads .env into the process environment for the
// connector credentials. Missing config file is not an error.
func Load(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	workspaceDir = dir

	// Connector credentials (issue tracker tokens, gh auth) live in .env,
	// outside the config document.
	envPath := filepath.Join(dir, EnvFileName)
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			logger.Warn("Failed to load %s: %v", envPath, err)
		}
	}

	cfg := DefaultConfig()
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config = cfg
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	config = cfg
	return nil
}

// Get returns the current configuration by value.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, fmt.Errorf("config not loaded: call config.Load first")
	}
	return *config, nil
}

// MustGet returns the current configuration or the defaults when Load has
// not been called. Used by components that can run before workspace init.
func MustGet() Config {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return *DefaultConfig()
	}
	return *config
}

// WorkspaceDir returns the directory Load was called with.
func WorkspaceDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return workspaceDir
}

// DatabasePath returns the path of the embedded database file.
func DatabasePath() string {
	return filepath.Join(WorkspaceDir(), DatabaseFileName)
}

// LockPath returns the path of the manager singleton lock file.
func LockPath() string {
	return filepath.Join(WorkspaceDir(), LockFileName)
}

// Save persists the current configuration atomically (tmp file + rename).
func Save() error {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(workspaceDir, ConfigFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// ModelForTier resolves the model config for an agent tier. When godmode is
// set, every tier uses the tech_lead model (the most capable configured).
func (c *Config) ModelForTier(tier string, godmode bool) ModelConfig {
	if godmode {
		if m, ok := c.Models["tech_lead"]; ok {
			return m
		}
	}
	if m, ok := c.Models[tier]; ok {
		return m
	}
	// Fall back to senior for unknown tiers so spawn never fails on config.
	return c.Models["senior"]
}

// SlowPollInterval returns the manager tick period as a duration.
func (c *Config) SlowPollInterval() time.Duration {
	return time.Duration(c.Manager.SlowPollIntervalMS) * time.Millisecond
}

func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Manager.StuckThresholdMS) * time.Millisecond
}

func (c *Config) NudgeCooldown() time.Duration {
	return time.Duration(c.Manager.NudgeCooldownMS) * time.Millisecond
}

func validate(cfg *Config) error {
	if cfg.Manager.SlowPollIntervalMS <= 0 {
		return fmt.Errorf("manager.slow_poll_interval must be positive")
	}
	if cfg.Scaling.JuniorMaxComplexity <= 0 ||
		cfg.Scaling.IntermediateMaxComplexity < cfg.Scaling.JuniorMaxComplexity {
		return fmt.Errorf("scaling complexity bounds must satisfy 0 < junior_max <= intermediate_max")
	}
	if cfg.Scaling.SeniorCapacity <= 0 {
		return fmt.Errorf("scaling.senior_capacity must be positive")
	}
	if p := cfg.Scaling.Refactor.CapacityPercent; p < 0 || p > 100 {
		return fmt.Errorf("scaling.refactor.capacity_percent must be in [0,100]")
	}
	if cfg.QA.MaxAgents <= 0 || cfg.QA.StoriesPerAgent <= 0 {
		return fmt.Errorf("qa scaling knobs must be positive")
	}
	return nil
}

// Reset clears the singleton for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
	workspaceDir = ""
}
