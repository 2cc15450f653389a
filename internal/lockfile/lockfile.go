// Package lockfile keeps a second rocker server from starting against the
// same loop devices and journal.
package lockfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/errors"
)

type Lock struct {
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type Config struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

func DefaultConfig() *Config {
	timeout, _ := config.DurationOrDefault(config.DefaultServerLockTimeout, config.DefaultServerLockTimeout)
	retry, _ := config.DurationOrDefault(config.DefaultServerLockRetry, config.DefaultServerLockRetry)

	return &Config{
		Timeout:  timeout,
		Retry:    retry,
		MaxRetry: config.DefaultServerLockMaxRetry,
	}
}

// Acquire takes an exclusive flock on path, creating its directory. It
// fails once cfg's retries or timeout run out.
func Acquire(path string, cfg *Config) (*Lock, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.System("create lock directory", err)
	}

	l := &Lock{fileLock: flock.New(path), path: path}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := l.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	l.acquiredAt = time.Now()
	slog.Info("Server lock acquired", "path", path)
	return l, nil
}

func (l *Lock) acquireWithRetry(ctx context.Context, cfg *Config) error {
	for i := 0; i < cfg.MaxRetry; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		default:
			locked, err := l.fileLock.TryLock()
			if err != nil {
				return errors.System("flock "+l.path, err)
			}
			if locked {
				return nil
			}

			if i < cfg.MaxRetry-1 {
				time.Sleep(cfg.Retry)
			}
		}
	}

	return fmt.Errorf("%s is held by another rocker server: %w", l.path, errors.ErrDuplicate)
}

// Unlock releases the lock. Calling it again is a no-op.
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return
	}

	if err := l.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release server lock", "path", l.path, "error", err)
	} else {
		slog.Info("Server lock released", "path", l.path, "held_duration_ms", time.Since(l.acquiredAt).Milliseconds())
	}
	l.fileLock = nil
}

func (l *Lock) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fileLock != nil
}

func (l *Lock) Path() string {
	return l.path
}
