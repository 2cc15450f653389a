package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/logger"
	"github.com/harunnryd/rocker/internal/registry"
)

// reapRetryInterval paces collection of a guard that survived SIGKILL.
const reapRetryInterval = 100 * time.Millisecond

// LoopReleaser tears down loop devices by id on the master side.
type LoopReleaser interface {
	UnbindID(id int) error
	Destroy(id int)
}

type Options struct {
	Spawner    Spawner
	Loops      LoopReleaser
	Accounts   AccountResolver
	Identities *IdentitySource

	ProcRoot          string
	LoopControl       string
	HandshakeTimeout  time.Duration
	ReleaseGrace      time.Duration
	SuperviseInterval time.Duration
	StartupGrace      time.Duration
	LogLevel          string
}

// Builder is the state shared by every sandbox the server builds. It is
// created once at startup and handed to each request worker.
type Builder struct {
	opts       Options
	proc       procFS
	background sync.WaitGroup
}

func NewBuilder(opts Options) (*Builder, error) {
	if opts.Spawner == nil || opts.Loops == nil {
		return nil, errors.InvalidInput("builder needs a spawner and a loop releaser")
	}
	if opts.Accounts == nil {
		opts.Accounts = SystemAccounts{}
	}
	if opts.Identities == nil {
		opts.Identities = NewIdentitySource(time.Now())
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	if opts.SuperviseInterval <= 0 {
		opts.SuperviseInterval = time.Second
	}
	return &Builder{opts: opts, proc: procFS{root: opts.ProcRoot}}, nil
}

// New validates req and prepares a sandbox for Init. Nothing outside the
// exec and data directories is touched.
func (b *Builder) New(ctx context.Context, req Request) (*Config, error) {
	norm, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	if err := validateAccounts(b.opts.Accounts, norm); err != nil {
		return nil, err
	}
	if err := preparePaths(norm); err != nil {
		return nil, err
	}

	c := &Config{
		b:         b,
		req:       norm,
		identity:  b.opts.Identities.Next(),
		state:     StateValidated,
		loopID:    -1,
		createdAt: time.Now(),
	}
	logger.FromContext(ctx).Debug("Sandbox validated", "identity", c.identity.String(), "app_id", norm.AppID)
	return c, nil
}

// Built is a registered sandbox whose namespace handles are ready to be
// handed to the requester. The receiver owns Handles.
type Built struct {
	PID      int
	Identity Identity
	Handles  *NamespaceHandles
}

// Build runs one request end to end: validate, set up the guard, open the
// namespace handles and register under the guard pid. Whatever fails, no
// guard is left running and nothing is left registered.
func (b *Builder) Build(ctx context.Context, req Request, reg *registry.Registry) (*Built, error) {
	c, err := b.New(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	handles, err := c.NamespaceHandles(ctx)
	if err != nil {
		return nil, err
	}

	pid, _ := c.PID()
	if err := c.Register(reg); err != nil {
		handles.Close()
		c.Discard(ctx)
		return nil, err
	}

	// The guard may already have been collected by the reaper, before it
	// could be found in the registry.
	if !c.Alive() {
		handles.Close()
		if _, ok := reg.Remove(pid); ok {
			c.Discard(ctx)
		}
		return nil, fmt.Errorf("guard %d exited before registration: %w", pid, ErrGuardExited)
	}

	return &Built{PID: pid, Identity: c.Identity(), Handles: handles}, nil
}

func preparePaths(r Request) error {
	for _, dir := range []string{r.ExecDir, r.DataDir} {
		info, err := os.Stat(dir)
		switch {
		case err == nil && !info.IsDir():
			return fmt.Errorf("%s is not a directory: %w", dir, ErrInvalidPath)
		case err == nil:
		case os.IsNotExist(err):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %v: %w", dir, err, ErrInvalidPath)
			}
		default:
			return fmt.Errorf("stat %s: %v: %w", dir, err, ErrInvalidPath)
		}
	}

	info, err := os.Stat(r.PackagePath)
	if err != nil {
		return fmt.Errorf("package %s: %v: %w", r.PackagePath, err, ErrInvalidPath)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("package %s is not a regular file: %w", r.PackagePath, ErrInvalidPath)
	}
	return nil
}

// releaseLater runs c.Release off the caller's goroutine.
func (b *Builder) releaseLater(c *Config) {
	concurrency.SafeGoTracked(&b.background, c.Release, nil)
}

// releaseWhenGone waits in the background until c's guard has been
// collected, then releases c.
func (b *Builder) releaseWhenGone(c *Config) {
	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()
	concurrency.SafeGoTracked(&b.background, func() {
		for !guard.Reap(reapRetryInterval) {
			time.Sleep(reapRetryInterval)
		}
		c.Release()
	}, nil)
}

// Wait blocks until background releases finish or ctx ends.
func (b *Builder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GuardName reads the process name of pid, for comparing with the identity
// a build returned before signalling a pid that may have been reused.
func GuardName(pid int) (string, error) {
	return procFS{root: "/proc"}.comm(pid)
}
