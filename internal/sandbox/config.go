package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/logger"
	"github.com/harunnryd/rocker/internal/registry"
)

// Config is one sandbox from validation through release. The guard handle
// it owns is dropped exactly once, by Release.
type Config struct {
	b        *Builder
	req      Request
	identity Identity

	mu        sync.Mutex
	state     State
	guard     Guard
	holderPID int
	loopID    int
	createdAt time.Time

	releaseOnce sync.Once
}

func (c *Config) Request() Request   { return c.req }
func (c *Config) Identity() Identity { return c.identity }

func (c *Config) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Config) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PID returns the guard pid as seen from the server.
func (c *Config) PID() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guard == nil {
		return 0, errors.NotReady("guard not spawned")
	}
	return c.guard.PID(), nil
}

// LoopID returns the loop device backing the exec dir, once the guard has
// reported it.
func (c *Config) LoopID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopID, c.loopID >= 0
}

// Info implements registry.Entry.
func (c *Config) Info() registry.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := registry.Info{
		Identity:  c.identity.String(),
		AppID:     c.req.AppID,
		UID:       c.req.UID,
		LoopID:    c.loopID,
		ExecDir:   c.req.ExecDir,
		DataDir:   c.req.DataDir,
		CreatedAt: c.createdAt,
	}
	if c.guard != nil {
		info.PID = c.guard.PID()
	}
	return info
}

func (c *Config) guardSpec() GuardSpec {
	return GuardSpec{
		Identity:          c.identity.String(),
		PackagePath:       c.req.PackagePath,
		ExecDir:           c.req.ExecDir,
		DataDir:           c.req.DataDir,
		OverlayDirs:       c.req.OverlayDirs,
		LoopControl:       c.b.opts.LoopControl,
		SuperviseInterval: c.b.opts.SuperviseInterval,
		StartupGrace:      c.b.opts.StartupGrace,
		LogLevel:          c.b.opts.LogLevel,
	}
}

// Init spawns the guard and drives it through setup. On any failure the
// guard is killed and collected before Init returns, and a reported loop
// device is released in the background.
func (c *Config) Init(ctx context.Context) error {
	if s := c.State(); s != StateValidated {
		return errors.Internal(fmt.Sprintf("init in state %s", s))
	}
	c.setState(StateSpawning)

	conn, guardEnd, err := newChannel()
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	defer conn.Close()

	guard, err := c.b.opts.Spawner.Spawn(ctx, guardEnd)
	guardEnd.Close()
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.guard = guard
	c.mu.Unlock()

	ctx = logger.WithGuardPID(ctx, guard.PID())
	log := logger.FromContext(ctx)
	log.Debug("Guard spawned", "identity", c.identity.String())

	if err := sendSpec(conn, c.guardSpec()); err != nil {
		return c.abort(ctx, err)
	}

	timeout := c.b.opts.HandshakeTimeout
	loopMsg, err := recvStatus(conn, timeout)
	if err != nil {
		return c.abort(ctx, err)
	}
	if loopMsg < 0 {
		err := statusError(loopMsg)
		if err == nil {
			err = fmt.Errorf("status %d before loop id: %w", loopMsg, ErrOutOfOrder)
		}
		return c.abort(ctx, err)
	}
	c.mu.Lock()
	c.loopID = int(loopMsg)
	c.state = StateLoopMount
	c.mu.Unlock()
	log.Debug("Guard mounted package", "loop_id", loopMsg)

	status, err := recvStatus(conn, timeout)
	if err != nil {
		return c.abort(ctx, err)
	}
	if err := statusError(status); err != nil {
		return c.abort(ctx, err)
	}
	c.setState(StateUserNamespace)

	holder, err := c.b.proc.namespaceHolder(guard.PID())
	if err != nil {
		return c.abort(ctx, err)
	}
	if err := c.b.proc.writeIDMaps(holder, c.req.UID, c.req.GID); err != nil {
		return c.abort(ctx, err)
	}

	c.mu.Lock()
	c.holderPID = holder
	c.state = StateReady
	c.mu.Unlock()
	log.Info("Sandbox ready", "identity", c.identity.String(), "loop_id", loopMsg, "holder_pid", holder)
	return nil
}

// abort kills the guard, waits for it to be gone and schedules release of
// anything it reported. It returns cause. A guard that survives SIGKILL
// keeps its loop device until it has been collected.
func (c *Config) abort(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.Internal("guard setup aborted without a cause")
	}
	log := logger.FromContext(ctx)
	gone := c.kill(ctx)
	c.setState(StateFailed)
	log.Warn("Guard setup failed", "identity", c.identity.String(), "error", cause, "category", errors.Category(cause))
	c.scheduleRelease(gone)
	return cause
}

func (c *Config) scheduleRelease(gone bool) {
	if gone {
		c.b.releaseLater(c)
		return
	}
	c.b.releaseWhenGone(c)
}

// kill sends SIGKILL and reports whether the guard is gone.
func (c *Config) kill(ctx context.Context) bool {
	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()
	if guard == nil {
		return true
	}
	log := logger.FromContext(ctx)
	if err := guard.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("Failed to kill guard", "error", err)
	}
	if !guard.Reap(c.b.opts.HandshakeTimeout) {
		log.Error("Guard still present after SIGKILL", "pid", guard.PID())
		return false
	}
	return true
}

// NamespaceHandles opens the mount, pid and user namespace handles of a
// ready sandbox. The caller owns the result. Failure kills the guard and
// schedules its release.
func (c *Config) NamespaceHandles(ctx context.Context) (*NamespaceHandles, error) {
	c.mu.Lock()
	guard, holder, state := c.guard, c.holderPID, c.state
	c.mu.Unlock()
	if state != StateReady || guard == nil {
		return nil, errors.NotReady(fmt.Sprintf("namespace handles in state %s", state))
	}

	handles, err := c.b.proc.openNamespaces(guard.PID(), holder)
	if err != nil {
		return nil, c.abort(ctx, err)
	}
	return handles, nil
}

// Register inserts the sandbox under its guard pid.
func (c *Config) Register(reg *registry.Registry) error {
	pid, err := c.PID()
	if err != nil {
		return err
	}
	return reg.Insert(pid, c)
}

// Alive reports whether the guard process still exists.
func (c *Config) Alive() bool {
	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()
	return guard != nil && guard.Signal(0) == nil
}

// Kill terminates the guard without releasing; the reaper or the caller
// releases once the process is gone.
func (c *Config) Kill(ctx context.Context) {
	c.kill(ctx)
}

// Discard kills the guard and releases the sandbox in the background. It is
// for sandboxes that will never reach the reaper.
func (c *Config) Discard(ctx context.Context) {
	gone := c.kill(ctx)
	c.setState(StateFailed)
	c.scheduleRelease(gone)
}

// Release drops the guard handle, unbinds the loop device, waits the grace
// period and destroys the device. Failures are logged. Only the first call
// does anything.
func (c *Config) Release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		guard, loopID := c.guard, c.loopID
		c.mu.Unlock()

		log := logger.FromContext(context.Background()).With("identity", c.identity.String())
		if guard != nil {
			log = log.With("guard_pid", guard.PID())
			if err := guard.Release(); err != nil {
				log.Warn("Failed to drop guard handle", "error", err)
			}
		}

		if loopID >= 0 {
			if err := c.b.opts.Loops.UnbindID(loopID); err != nil {
				log.Warn("Failed to unbind loop device", "loop_id", loopID, "error", err)
			}
			time.Sleep(c.b.opts.ReleaseGrace)
			c.b.opts.Loops.Destroy(loopID)
		}

		c.setState(StateReleased)
		log.Info("Sandbox released", "loop_id", loopID)
	})
}
