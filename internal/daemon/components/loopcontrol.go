package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/loopdev"
)

// LoopControlComponent owns the server's single handle on the loop control
// device. Every master-side loop teardown goes through it.
type LoopControlComponent struct {
	cfg         *config.LoopConfig
	control     *loopdev.Control
	initialized bool
	mu          sync.RWMutex
}

func NewLoopControlComponent(cfg *config.LoopConfig) *LoopControlComponent {
	return &LoopControlComponent{cfg: cfg}
}

func (l *LoopControlComponent) Name() string {
	return "LoopControl"
}

func (l *LoopControlComponent) Dependencies() []string {
	return []string{}
}

func (l *LoopControlComponent) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := config.DefaultLoopControlPath
	if l.cfg != nil && l.cfg.ControlPath != "" {
		path = l.cfg.ControlPath
	}

	control, err := loopdev.OpenControl(path)
	if err != nil {
		return fmt.Errorf("open loop control: %w", err)
	}
	l.control = control
	l.initialized = true
	slog.Info("LoopControl initialized", "component", l.Name(), "path", path)
	return nil
}

func (l *LoopControlComponent) Start(ctx context.Context) error {
	return nil
}

func (l *LoopControlComponent) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.control == nil {
		return nil
	}
	err := l.control.Close()
	l.control = nil
	l.initialized = false
	return err
}

func (l *LoopControlComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.initialized {
		return daemon.Unhealthy(l.Name(), fmt.Errorf("not initialized")), nil
	}
	return daemon.Healthy(l.Name()), nil
}

func (l *LoopControlComponent) Control() *loopdev.Control {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.control
}
