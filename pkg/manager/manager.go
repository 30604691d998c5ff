// Package manager implements the singleton supervision daemon. It wakes on
// a timer, reconciles the store against live sessions and the code host,
// and talks agents out of stuck states.
package manager

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hive/pkg/agentstate"
	"hive/pkg/cluster"
	"hive/pkg/codehost"
	"hive/pkg/config"
	"hive/pkg/connector"
	"hive/pkg/lock"
	"hive/pkg/logx"
	"hive/pkg/messaging"
	"hive/pkg/persistence"
	"hive/pkg/scheduler"
	"hive/pkg/session"
)

// sessionState is the per-session nudge bookkeeping. Process-local; only
// the manager loop touches it.
type sessionState struct {
	lastState       agentstate.State
	lastStateChange time.Time
	lastNudge       time.Time
}

// Manager is the supervision daemon.
type Manager struct {
	store     *persistence.Store
	sessions  session.Driver
	sched     *scheduler.Scheduler
	gateway   codehost.Gateway
	tracker   connector.ProjectManagement
	msgs      *messaging.Service
	clusterSy cluster.Sync
	logger    *logx.Logger
	metrics   *metrics

	states map[string]*sessionState
	// now is swapped in tests to step through cooldown windows.
	now func() time.Time
}

// New wires a manager over the given store and drivers.
func New(store *persistence.Store, sessions session.Driver, sched *scheduler.Scheduler,
	gateway codehost.Gateway, tracker connector.ProjectManagement,
	msgs *messaging.Service, clusterSync cluster.Sync) *Manager {
	return &Manager{
		store:     store,
		sessions:  sessions,
		sched:     sched,
		gateway:   gateway,
		tracker:   tracker,
		msgs:      msgs,
		clusterSy: clusterSync,
		logger:    logx.NewLogger("manager"),
		metrics:   newMetrics(),
		states:    make(map[string]*sessionState),
		now:       time.Now,
	}
}

// Run acquires the singleton lock and ticks until SIGINT/SIGTERM. Lock
// contention is fatal: the operator is told where the lock lives.
func (m *Manager) Run(ctx context.Context) error {
	cfg := config.MustGet()

	fileLock := lock.New(config.LockPath())
	if err := fileLock.Acquire(lock.Options{
		StaleAfter: time.Duration(cfg.Manager.LockStaleMS) * time.Millisecond,
	}); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Release(); err != nil {
			m.logger.Warn("failed to release lock: %v", err)
		}
	}()

	if cfg.Manager.MetricsAddr != "" {
		m.metrics.serve(cfg.Manager.MetricsAddr, m.logger)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := cfg.SlowPollInterval()
	m.logger.Info("manager started, polling every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick immediately; agents may already be waiting.
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("manager shutting down")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Check runs exactly one tick without daemonizing or taking the lock over.
// Used by `hive manager check`.
func (m *Manager) Check(ctx context.Context) {
	m.Tick(ctx)
}

// step runs one tick step; a failure is recorded and swallowed so the
// remaining steps still run. The next tick retries.
func (m *Manager) step(name string, fn func() error) {
	if err := fn(); err != nil {
		m.metrics.stepErrors.WithLabelValues(name).Inc()
		m.logger.Error("step %s failed: %v", name, err)
	}
}
