// Package reaper collects exited guards and releases the sandboxes they
// held.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/registry"
)

const defaultIdleInterval = 200 * time.Millisecond

type Reaper struct {
	reg    *registry.Registry
	waiter Waiter
	idle   time.Duration

	releases sync.WaitGroup
}

func New(reg *registry.Registry, waiter Waiter, idle time.Duration) *Reaper {
	if idle <= 0 {
		idle = defaultIdleInterval
	}
	return &Reaper{reg: reg, waiter: waiter, idle: idle}
}

// Run collects children until ctx is cancelled. No wait error stops it.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("Reaper started", "idle_interval", r.idle)
	defer slog.Info("Reaper stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		exit, err := r.waiter.Wait(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, unix.ECHILD):
			r.sleep(ctx)
		case err != nil:
			slog.Warn("Wait for child failed", "error", err)
			r.sleep(ctx)
		default:
			r.collect(exit)
		}
	}
}

func (r *Reaper) collect(exit Exit) {
	entry, ok := r.reg.Remove(exit.PID)
	if !ok {
		slog.Debug("Collected unregistered child", "pid", exit.PID, "exit_status", exit.Status.ExitStatus())
		return
	}

	info := entry.Info()
	slog.Info("Guard exited",
		"guard_pid", exit.PID,
		"identity", info.Identity,
		"loop_id", info.LoopID,
		"exit_status", exit.Status.ExitStatus(),
		"signaled", exit.Status.Signaled())

	concurrency.SafeGoTracked(&r.releases, entry.Release, nil)
}

func (r *Reaper) sleep(ctx context.Context) {
	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Wait blocks until releases started by Run have finished, or ctx ends.
func (r *Reaper) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.releases.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
