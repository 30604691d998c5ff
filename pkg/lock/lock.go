// Package lock provides the manager singleton file lock. Exactly one
// manager process may run per workspace; the lock file records who holds it
// so a second invocation can report the holder or steal a stale lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLockContention is returned when another live process holds the lock.
var ErrLockContention = errors.New("lock held by another process")

// Info is the JSON payload written into the lock file.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Options controls acquisition behavior.
type Options struct {
	// StaleAfter is the age past which an existing lock is considered
	// abandoned and may be stolen.
	StaleAfter time.Duration
	// Retries is the number of additional acquisition attempts on
	// contention, spaced by RetryDelay.
	Retries    int
	RetryDelay time.Duration
}

// FileLock is a pid-based advisory lock backed by a single file.
type FileLock struct {
	path string
}

// New returns a lock rooted at path. The lock is not acquired until
// Acquire is called.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire takes the lock for the current process. An existing lock is
// stolen when it is older than opts.StaleAfter or its holder process is
// gone; otherwise each attempt fails with ErrLockContention wrapped with
// holder details.
func (l *FileLock) Acquire(opts Options) error {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
		}
		if err = l.tryAcquire(opts.StaleAfter); err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockContention) {
			return err
		}
	}
	return err
}

func (l *FileLock) tryAcquire(staleAfter time.Duration) error {
	hostname, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock info: %w", err)
	}

	// Stage the payload in a unique sibling file so the lock only ever
	// becomes visible with complete content.
	tmpFile, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to stage lock file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write lock file %s: %w", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write lock file %s: %w", tmpPath, err)
	}

	// Fresh acquisition: link is atomic and loses to any existing file, so
	// two racing acquirers cannot both win a missing lock.
	err = os.Link(tmpPath, l.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create lock file %s: %w", l.path, err)
	}

	holder, rerr := l.Read()
	switch {
	case rerr == nil:
		stale := !holderAlive(holder.PID) || (staleAfter > 0 && time.Since(holder.AcquiredAt) > staleAfter)
		if !stale {
			return fmt.Errorf("pid %d on %s since %s: %w",
				holder.PID, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339), ErrLockContention)
		}
	case errors.Is(rerr, os.ErrNotExist):
		// The holder released between the create attempt and the read; let
		// the retry loop attempt a fresh exclusive create.
		return fmt.Errorf("lock released mid-acquire: %w", ErrLockContention)
	default:
		// Unreadable lock file counts as abandoned; steal it.
	}

	// Steal by atomic replacement, then re-read to confirm this process won
	// over any concurrent stealer.
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("failed to replace lock file %s: %w", l.path, err)
	}
	confirmed, err := l.Read()
	if err != nil || confirmed.PID != info.PID || !confirmed.AcquiredAt.Equal(info.AcquiredAt) {
		return fmt.Errorf("lost steal of %s to a concurrent acquirer: %w", l.path, ErrLockContention)
	}
	return nil
}

// Release removes the lock file if this process holds it. Releasing a lock
// held by someone else is refused.
func (l *FileLock) Release() error {
	holder, err := l.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && holder.PID != os.Getpid() {
		return fmt.Errorf("lock held by pid %d, not releasing", holder.PID)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// Read returns the current lock holder, or os.ErrNotExist when unlocked.
func (l *FileLock) Read() (*Info, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", l.path, err)
	}
	return &info, nil
}

// Held reports whether a live process currently holds the lock.
func (l *FileLock) Held() bool {
	holder, err := l.Read()
	if err != nil {
		return false
	}
	return holderAlive(holder.PID)
}

// holderAlive checks a pid with signal 0.
func holderAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
