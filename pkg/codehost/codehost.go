// Package codehost wraps the code-host CLI (gh). Every call is
// time-bounded and soft-failing: errors are logged and surfaced as empty
// results or boolean failure, never as a crash of the calling loop.
package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hive/pkg/logx"
)

// Gateway is the code-host surface used by the scheduler and manager.
type Gateway interface {
	ListOpenPRs(ctx context.Context, repoDir, repoSlug string) ([]PR, error)
	ListMergedPRs(ctx context.Context, repoDir, repoSlug string, limit int) ([]PR, error)
	ListClosedPRs(ctx context.Context, repoDir string, limit int) ([]PR, error)
	ClosePR(ctx context.Context, repoDir string, number int) bool
	CreatePR(ctx context.Context, repoDir, head, base string) (*PR, error)
	MergePR(ctx context.Context, repoDir string, number int, strategy string) error
}

// PR is the gateway's view of a code-host pull request.
type PR struct {
	Number    int       `json:"number"`
	HeadRef   string    `json:"headRefName"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	MergedAt  time.Time `json:"mergedAt"`
	ClosedAt  time.Time `json:"closedAt"`
}

// Merge strategies accepted by MergePR.
const (
	MergeSquash = "squash"
	MergeMerge  = "merge"
	MergeRebase = "rebase"
)

const callTimeout = 60 * time.Second

// GHGateway shells out to the gh binary.
type GHGateway struct {
	logger *logx.Logger
}

// NewGHGateway returns a gateway backed by the gh CLI.
func NewGHGateway() *GHGateway {
	return &GHGateway{logger: logx.NewLogger("codehost")}
}

func (g *GHGateway) run(ctx context.Context, repoDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gh %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// ListOpenPRs returns the open PRs for the repo at repoDir. repoSlug
// (owner/name) overrides repo detection when set.
func (g *GHGateway) ListOpenPRs(ctx context.Context, repoDir, repoSlug string) ([]PR, error) {
	args := []string{"pr", "list", "--state", "open",
		"--json", "number,headRefName,url,title,createdAt"}
	if repoSlug != "" {
		args = append(args, "--repo", repoSlug)
	}
	return g.listPRs(ctx, repoDir, args)
}

// ListMergedPRs returns up to limit recently merged PRs, newest first.
func (g *GHGateway) ListMergedPRs(ctx context.Context, repoDir, repoSlug string, limit int) ([]PR, error) {
	args := []string{"pr", "list", "--state", "merged",
		"--limit", strconv.Itoa(limit),
		"--json", "number,headRefName,mergedAt"}
	if repoSlug != "" {
		args = append(args, "--repo", repoSlug)
	}
	return g.listPRs(ctx, repoDir, args)
}

// ListClosedPRs returns up to limit recently closed-unmerged PRs.
func (g *GHGateway) ListClosedPRs(ctx context.Context, repoDir string, limit int) ([]PR, error) {
	args := []string{"pr", "list", "--state", "closed",
		"--limit", strconv.Itoa(limit),
		"--json", "number,headRefName,closedAt"}
	return g.listPRs(ctx, repoDir, args)
}

func (g *GHGateway) listPRs(ctx context.Context, repoDir string, args []string) ([]PR, error) {
	out, err := g.run(ctx, repoDir, args...)
	if err != nil {
		return nil, err
	}
	var prs []PR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("failed to parse gh output: %w", err)
	}
	return prs, nil
}

// ClosePR closes a PR without merging. Failure is logged and reported as
// false; a missing or already-closed PR is not fatal to the caller.
func (g *GHGateway) ClosePR(ctx context.Context, repoDir string, number int) bool {
	if _, err := g.run(ctx, repoDir, "pr", "close", strconv.Itoa(number)); err != nil {
		g.logger.Warn("failed to close PR #%d: %v", number, err)
		return false
	}
	return true
}

// existingPRRe extracts the PR URL gh prints when a PR already exists for
// the branch.
var existingPRRe = regexp.MustCompile(`(https://\S+/pull/(\d+))`)

// CreatePR opens a PR from head into base. When the host reports an
// existing PR for the branch, that PR is returned instead of an error.
func (g *GHGateway) CreatePR(ctx context.Context, repoDir, head, base string) (*PR, error) {
	out, err := g.run(ctx, repoDir, "pr", "create",
		"--head", head, "--base", base, "--fill")
	if err != nil {
		if m := existingPRRe.FindStringSubmatch(out); m != nil && strings.Contains(out, "already exists") {
			number, _ := strconv.Atoi(m[2])
			g.logger.Info("PR for %s already exists: %s", head, m[1])
			return &PR{Number: number, HeadRef: head, URL: m[1]}, nil
		}
		return nil, fmt.Errorf("failed to create PR for %s: %w", head, err)
	}

	m := existingPRRe.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("failed to parse PR URL from gh output: %q", strings.TrimSpace(out))
	}
	number, _ := strconv.Atoi(m[2])
	return &PR{Number: number, HeadRef: head, URL: m[1]}, nil
}

// MergePR merges a PR with the given strategy (default squash), deleting
// the remote branch.
func (g *GHGateway) MergePR(ctx context.Context, repoDir string, number int, strategy string) error {
	if strategy == "" {
		strategy = MergeSquash
	}
	_, err := g.run(ctx, repoDir, "pr", "merge", strconv.Itoa(number),
		"--"+strategy, "--delete-branch")
	if err != nil {
		return fmt.Errorf("failed to merge PR #%d: %w", number, err)
	}
	return nil
}

// ParsePRNumber extracts the numeric suffix of a code-host PR URL.
func ParsePRNumber(url string) (int, bool) {
	m := existingPRRe.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	return n, err == nil
}
