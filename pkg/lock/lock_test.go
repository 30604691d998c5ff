package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "manager.lock")
}

func TestAcquireAndRelease(t *testing.T) {
	l := New(testLockPath(t))

	require.NoError(t, l.Acquire(Options{StaleAfter: time.Minute}))
	assert.True(t, l.Held())

	info, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	_, err = l.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAcquireRefusedWhileHolderAlive(t *testing.T) {
	path := testLockPath(t)

	// Forge a holder under a distinct live pid: pid 1 always exists.
	info := Info{PID: 1, Hostname: "other-host", AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l := New(path)
	err = l.Acquire(Options{StaleAfter: time.Hour, RetryDelay: time.Millisecond})
	assert.ErrorIs(t, err, ErrLockContention)
}

func TestStaleLockIsStolen(t *testing.T) {
	path := testLockPath(t)

	info := Info{PID: 1, Hostname: "other-host", AcquiredAt: time.Now().UTC().Add(-time.Hour)}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l := New(path)
	require.NoError(t, l.Acquire(Options{StaleAfter: time.Minute}))

	got, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.PID)
}

func TestDeadHolderIsStolen(t *testing.T) {
	path := testLockPath(t)

	// A pid that cannot exist.
	info := Info{PID: 1 << 30, Hostname: "gone", AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l := New(path)
	require.NoError(t, l.Acquire(Options{StaleAfter: time.Hour}))
}

func TestGarbageLockFileIsOverwritten(t *testing.T) {
	path := testLockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	l := New(path)
	require.NoError(t, l.Acquire(Options{StaleAfter: time.Minute}))
	assert.True(t, l.Held())
}

func TestSecondAcquireContendsWithFirst(t *testing.T) {
	path := testLockPath(t)

	first := New(path)
	require.NoError(t, first.Acquire(Options{StaleAfter: time.Hour}))

	second := New(path)
	err := second.Acquire(Options{StaleAfter: time.Hour, RetryDelay: time.Millisecond})
	assert.ErrorIs(t, err, ErrLockContention)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	path := testLockPath(t)

	const acquirers = 8
	var wg sync.WaitGroup
	errs := make([]error, acquirers)
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = New(path).Acquire(Options{StaleAfter: time.Hour})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrLockContention)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestReleaseRefusesForeignLock(t *testing.T) {
	path := testLockPath(t)

	info := Info{PID: 1, Hostname: "other-host", AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l := New(path)
	assert.Error(t, l.Release())

	// Lock file survives.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
