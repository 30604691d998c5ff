// Package cluster defines the optional multi-node synchronization hook.
// The core only obeys its gating: a non-leader manager stands down. Leader
// election and event shipping live behind the Sync interface.
package cluster

import (
	"context"

	"hive/pkg/persistence"
)

// Counters summarizes one sync round.
type Counters struct {
	LocalEventsEmitted     int
	ImportedEventsApplied  int
	MergedDuplicateStories int
}

// Sync is the cluster surface consumed by the manager.
type Sync interface {
	IsEnabled() bool
	IsLeader() bool
	Sync(ctx context.Context, store *persistence.Store) (Counters, error)
}

// SingleNode is the default implementation: cluster mode off, this node is
// always leader, sync is a no-op.
type SingleNode struct{}

// NewSingleNode returns the standalone sync implementation.
func NewSingleNode() *SingleNode { return &SingleNode{} }

func (s *SingleNode) IsEnabled() bool { return false }

func (s *SingleNode) IsLeader() bool { return true }

func (s *SingleNode) Sync(context.Context, *persistence.Store) (Counters, error) {
	return Counters{}, nil
}
