// Package session abstracts the terminal multiplexer that hosts agent CLI
// processes. The driver is a pure wrapper around tmux; it knows nothing
// about agents or stories.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"hive/pkg/logx"
)

// Driver is the multiplexer surface used by the scheduler and manager.
// Implementations must be safe for concurrent use.
type Driver interface {
	Spawn(ctx context.Context, opts SpawnOptions) error
	Send(ctx context.Context, name, text string) error
	SendKey(ctx context.Context, name, key string) error
	SendEnter(ctx context.Context, name string) error
	SendWithConfirmation(ctx context.Context, name, text string) (bool, error)
	Capture(ctx context.Context, name string, lines int) (string, error)
	Kill(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) bool
	List(ctx context.Context, prefix string) ([]string, error)
	WaitReady(ctx context.Context, name string, timeout time.Duration) error
}

// SpawnOptions describes a new detached session.
type SpawnOptions struct {
	Name    string
	WorkDir string
	Argv    []string
	// InitialPrompt, when set, is written to a file and appended to Argv as
	// "$(cat <file>)" so multi-line prompts survive intact instead of being
	// truncated by keystroke injection.
	InitialPrompt string
}

const (
	commandTimeout = 30 * time.Second
	// confirmRetries bounds polling in SendWithConfirmation.
	confirmRetries = 5
	confirmDelay   = 500 * time.Millisecond
	readyPollDelay = time.Second
)

// TmuxDriver shells out to the tmux binary.
type TmuxDriver struct {
	logger *logx.Logger
	// promptDir holds file-backed initial prompts. Defaults to os.TempDir.
	promptDir string
}

// NewTmuxDriver returns a driver writing prompt files under promptDir
// (empty means the system temp dir).
func NewTmuxDriver(promptDir string) *TmuxDriver {
	return &TmuxDriver{
		logger:    logx.NewLogger("session"),
		promptDir: promptDir,
	}
}

func (d *TmuxDriver) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Spawn creates a detached session running opts.Argv in opts.WorkDir.
func (d *TmuxDriver) Spawn(ctx context.Context, opts SpawnOptions) error {
	if opts.Name == "" || len(opts.Argv) == 0 {
		return fmt.Errorf("spawn requires a session name and argv")
	}

	argv := make([]string, len(opts.Argv))
	copy(argv, opts.Argv)

	if opts.InitialPrompt != "" {
		dir := d.promptDir
		if dir == "" {
			dir = os.TempDir()
		}
		promptFile := filepath.Join(dir, fmt.Sprintf("prompt-%s.txt", opts.Name))
		if err := os.WriteFile(promptFile, []byte(opts.InitialPrompt), 0o644); err != nil {
			return fmt.Errorf("failed to write prompt file: %w", err)
		}
		// Delivered as a CLI positional; the shell expands the file at exec
		// time inside the session.
		argv = append(argv, fmt.Sprintf("\"$(cat %s)\"", promptFile))
	}

	args := []string{"new-session", "-d", "-s", opts.Name}
	if opts.WorkDir != "" {
		args = append(args, "-c", opts.WorkDir)
	}
	args = append(args, strings.Join(argv, " "))

	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to spawn session %s: %w", opts.Name, err)
	}
	d.logger.Info("spawned session %s in %s", opts.Name, opts.WorkDir)
	return nil
}

// Send pastes text into the session without a trailing Enter. The -l flag
// keeps tmux from interpreting the text as key names.
func (d *TmuxDriver) Send(ctx context.Context, name, text string) error {
	if _, err := d.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("failed to send to session %s: %w", name, err)
	}
	return nil
}

// SendKey delivers a named key (tmux key syntax, e.g. "Escape", "BTab").
func (d *TmuxDriver) SendKey(ctx context.Context, name, key string) error {
	if _, err := d.run(ctx, "send-keys", "-t", name, key); err != nil {
		return fmt.Errorf("failed to send key %s to session %s: %w", key, name, err)
	}
	return nil
}

// SendEnter delivers a single Enter keypress.
func (d *TmuxDriver) SendEnter(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("failed to send enter to session %s: %w", name, err)
	}
	return nil
}

// SendWithConfirmation pastes text and polls the pane until the text shows
// up in the buffer, confirming the paste landed. Returns false when the
// sentinel never appears.
func (d *TmuxDriver) SendWithConfirmation(ctx context.Context, name, text string) (bool, error) {
	if err := d.Send(ctx, name, text); err != nil {
		return false, err
	}

	// A short sentinel is enough; long messages may wrap in the pane.
	sentinel := text
	if len(sentinel) > 40 {
		sentinel = sentinel[:40]
	}
	for attempt := 0; attempt < confirmRetries; attempt++ {
		buffer, err := d.Capture(ctx, name, 20)
		if err != nil {
			return false, err
		}
		if strings.Contains(buffer, sentinel) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(confirmDelay):
		}
	}
	d.logger.Warn("paste into %s not confirmed after %d attempts", name, confirmRetries)
	return false, nil
}

// Capture returns the last lines rows of the session's pane buffer.
func (d *TmuxDriver) Capture(ctx context.Context, name string, lines int) (string, error) {
	out, err := d.run(ctx, "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("failed to capture session %s: %w", name, err)
	}
	return out, nil
}

// Kill destroys the session. Killing an absent session is not an error.
func (d *TmuxDriver) Kill(ctx context.Context, name string) error {
	if !d.IsRunning(ctx, name) {
		return nil
	}
	if _, err := d.run(ctx, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", name, err)
	}
	d.logger.Info("killed session %s", name)
	return nil
}

// IsRunning reports whether a session with this exact name exists.
func (d *TmuxDriver) IsRunning(ctx context.Context, name string) bool {
	// has-session matches name prefixes; use an exact list check instead.
	names, err := d.List(ctx, "")
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// List returns session names starting with prefix, in tmux order.
func (d *TmuxDriver) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if strings.Contains(out, "no server running") || strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// WaitReady polls the pane until the CLI inside reports it has initialized,
// recognized by the prompt box or a known banner line.
func (d *TmuxDriver) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		buffer, err := d.Capture(ctx, name, 30)
		if err == nil && paneReady(buffer) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollDelay):
		}
	}
	return fmt.Errorf("session %s not ready after %s", name, timeout)
}

// readyMarkers are emitted by the agent CLI once its REPL is up.
var readyMarkers = []string{
	"? for shortcuts",
	"Welcome to",
	"bypass permissions",
	"╭─",
}

func paneReady(buffer string) bool {
	for _, marker := range readyMarkers {
		if strings.Contains(buffer, marker) {
			return true
		}
	}
	return false
}
