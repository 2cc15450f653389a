package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/rocker/internal/registry"
	"github.com/harunnryd/rocker/internal/sandbox"
)

// GuardAlive reports whether the process recorded in info is still the
// guard that was journaled, not a reuse of its pid.
type GuardAlive func(info registry.Info) bool

// ProcGuardAlive compares the live process name with the recorded identity.
func ProcGuardAlive(info registry.Info) bool {
	name, err := sandbox.GuardName(info.PID)
	if err != nil {
		return false
	}
	return strings.TrimSpace(name) == info.Identity
}

// Sweeper tears down loop devices of sandboxes carried over from a previous
// run whose guard is gone. Sandboxes of the current run belong to the reaper.
type Sweeper struct {
	journal *Journal
	reg     *registry.Registry
	loops   sandbox.LoopReleaser
	alive   GuardAlive

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(j *Journal, reg *registry.Registry, loops sandbox.LoopReleaser, alive GuardAlive) *Sweeper {
	if alive == nil {
		alive = ProcGuardAlive
	}
	return &Sweeper{journal: j, reg: reg, loops: loops, alive: alive}
}

// Sweep runs one pass and returns how many sandboxes it tore down.
func (s *Sweeper) Sweep() int {
	swept := 0
	for _, info := range s.journal.Carried() {
		// A reused pid is swept once the current guard holding it is gone.
		if s.reg.Contains(info.PID) {
			continue
		}
		if s.alive(info) {
			slog.Debug("Orphaned guard still running", "guard_pid", info.PID, "identity", info.Identity)
			continue
		}

		if info.LoopID >= 0 {
			if err := s.loops.UnbindID(info.LoopID); err != nil {
				slog.Warn("Failed to unbind orphaned loop device", "loop_id", info.LoopID, "guard_pid", info.PID, "error", err)
			}
			s.loops.Destroy(info.LoopID)
		}
		s.journal.drop(info)
		swept++
		slog.Info("Orphaned sandbox swept", "guard_pid", info.PID, "identity", info.Identity, "loop_id", info.LoopID)
	}
	return swept
}

// Start runs Sweep on schedule, a standard five-field cron expression.
func (s *Sweeper) Start(schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	s.cron.Schedule(sched, cron.FuncJob(func() { s.Sweep() }))
	s.cron.Start()
	slog.Info("Journal sweeper scheduled", "schedule", schedule)
	return nil
}

// Stop cancels the schedule and waits for a running sweep, or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
