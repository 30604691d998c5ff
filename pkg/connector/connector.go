// Package connector declares the issue-tracker capabilities the core
// consumes. Implementations (Jira, Linear, ...) live outside the core and
// read their credentials from the workspace .env; the core only ever calls
// through the interface and treats every sync as fire-and-forget.
package connector

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by tracker operations when no connector is
// installed.
var ErrNotConfigured = errors.New("no issue tracker configured")

// Epic is the tracker-side grouping a requirement is imported from.
type Epic struct {
	Key         string
	ID          string
	Title       string
	Description string
}

// ProjectManagement is the tracker surface. Status-sync errors are logged
// by callers and never propagated: the tracker reconciles on its own poll.
type ProjectManagement interface {
	// IsEpicURL reports whether the string is an epic URL this tracker owns.
	IsEpicURL(s string) bool
	// ParseEpicURL extracts the epic key from a URL.
	ParseEpicURL(s string) (key string, ok bool)
	// FetchEpic pulls the epic a requirement is created from.
	FetchEpic(ctx context.Context, url string) (*Epic, error)
	// SyncStoryStatus pushes a story status to the tracker issue.
	SyncStoryStatus(ctx context.Context, issueKey, status string) error
	// SyncEpicStatus pushes a requirement status to the tracker epic.
	SyncEpicStatus(ctx context.Context, epicKey, status string) error
}

// NoOp is the connector used when no tracker is configured: URLs are never
// epics, fetches fail, and status pushes succeed silently.
type NoOp struct{}

// NewNoOp returns the do-nothing tracker connector.
func NewNoOp() *NoOp { return &NoOp{} }

func (*NoOp) IsEpicURL(string) bool { return false }

func (*NoOp) ParseEpicURL(string) (string, bool) { return "", false }

func (*NoOp) FetchEpic(context.Context, string) (*Epic, error) {
	return nil, ErrNotConfigured
}

func (*NoOp) SyncStoryStatus(context.Context, string, string) error { return nil }

func (*NoOp) SyncEpicStatus(context.Context, string, string) error { return nil }
