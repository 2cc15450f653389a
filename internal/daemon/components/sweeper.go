package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/journal"
)

// SweeperComponent tears down loop devices left behind by guards of a
// previous run, once at start and then on schedule.
type SweeperComponent struct {
	cfg      *config.JournalConfig
	regComp  *RegistryComponent
	loopComp *LoopControlComponent
	sweeper  *journal.Sweeper
	started  bool
	mu       sync.RWMutex
}

func NewSweeperComponent(cfg *config.JournalConfig, regComp *RegistryComponent, loopComp *LoopControlComponent) *SweeperComponent {
	return &SweeperComponent{cfg: cfg, regComp: regComp, loopComp: loopComp}
}

func (s *SweeperComponent) Name() string {
	return "Sweeper"
}

func (s *SweeperComponent) Dependencies() []string {
	return []string{"Registry", "LoopControl"}
}

func (s *SweeperComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.regComp == nil || s.loopComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	j, reg, control := s.regComp.Journal(), s.regComp.Registry(), s.loopComp.Control()
	if j == nil || reg == nil || control == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	s.sweeper = journal.NewSweeper(j, reg, control, journal.ProcGuardAlive)
	return nil
}

func (s *SweeperComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sweeper == nil {
		return fmt.Errorf("Sweeper not initialized")
	}

	if n := s.sweeper.Sweep(); n > 0 {
		slog.Info("Recovered orphaned sandboxes", "component", s.Name(), "count", n)
	}

	schedule := config.DefaultJournalSweepSchedule
	if s.cfg != nil && s.cfg.SweepSchedule != "" {
		schedule = s.cfg.SweepSchedule
	}
	if err := s.sweeper.Start(schedule); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *SweeperComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	return s.sweeper.Stop(ctx)
}

func (s *SweeperComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return daemon.Unhealthy(s.Name(), fmt.Errorf("not started")), nil
	}
	return daemon.Healthy(s.Name()), nil
}
