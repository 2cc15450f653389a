package lockfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/rocker/internal/errors"
)

func shortConfig() *Config {
	return &Config{Timeout: 200 * time.Millisecond, Retry: 10 * time.Millisecond, MaxRetry: 5}
}

func TestAcquireAndUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "server.lock")

	lock, err := Acquire(path, nil)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())
	assert.Equal(t, path, lock.Path())

	lock.Unlock()
	assert.False(t, lock.IsLocked())
	lock.Unlock()

	again, err := Acquire(path, shortConfig())
	require.NoError(t, err)
	again.Unlock()
}

func TestSecondServerRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")

	first, err := Acquire(path, shortConfig())
	require.NoError(t, err)
	defer first.Unlock()

	_, err = Acquire(path, shortConfig())
	assert.ErrorIs(t, err, errors.ErrDuplicate)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.lock")

	other := flock.New(path)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	go func() {
		time.Sleep(30 * time.Millisecond)
		other.Unlock()
	}()

	lock, err := Acquire(path, &Config{Timeout: 2 * time.Second, Retry: 10 * time.Millisecond, MaxRetry: 100})
	require.NoError(t, err)
	lock.Unlock()
}
