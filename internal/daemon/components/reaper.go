package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/reaper"
)

type ReaperComponent struct {
	cfg     *config.ReaperConfig
	regComp *RegistryComponent
	reaper  *reaper.Reaper
	waiter  *reaper.SignalWaiter
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.RWMutex
}

func NewReaperComponent(cfg *config.ReaperConfig, regComp *RegistryComponent) *ReaperComponent {
	return &ReaperComponent{cfg: cfg, regComp: regComp}
}

func (r *ReaperComponent) Name() string {
	return "Reaper"
}

func (r *ReaperComponent) Dependencies() []string {
	return []string{"Registry"}
}

func (r *ReaperComponent) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regComp == nil || r.regComp.Registry() == nil {
		return fmt.Errorf("registry not initialized")
	}

	value := ""
	if r.cfg != nil {
		value = r.cfg.IdleInterval
	}
	idle, err := config.DurationOrDefault(value, config.DefaultReaperIdleInterval)
	if err != nil {
		return fmt.Errorf("parse reaper idle interval: %w", err)
	}

	r.waiter = reaper.NewSignalWaiter(idle)
	r.reaper = reaper.New(r.regComp.Registry(), r.waiter, idle)
	return nil
}

func (r *ReaperComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reaper == nil {
		return fmt.Errorf("Reaper not initialized")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	rp, done := r.reaper, r.done
	concurrency.SafeGo(func() {
		defer close(done)
		rp.Run(runCtx)
	}, nil)

	r.started = true
	return nil
}

// Stop ends the wait loop and waits for in-flight releases.
func (r *ReaperComponent) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		if r.waiter != nil {
			r.waiter.Stop()
		}
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.waiter.Stop()
	r.started = false

	if err := r.reaper.Wait(ctx); err != nil {
		slog.Warn("Reaper stopped with releases pending", "component", r.Name(), "error", err)
		return err
	}
	return nil
}

func (r *ReaperComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started {
		return daemon.Unhealthy(r.Name(), fmt.Errorf("not started")), nil
	}
	select {
	case <-r.done:
		return daemon.Unhealthy(r.Name(), fmt.Errorf("reaper loop exited")), nil
	default:
	}
	return daemon.Healthy(r.Name()), nil
}
