package components

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/sandbox"
)

// BuilderComponent creates the sandbox builder shared by all request
// workers.
type BuilderComponent struct {
	cfg         *config.Config
	loopComp    *LoopControlComponent
	builder     *sandbox.Builder
	initialized bool
	mu          sync.RWMutex
}

func NewBuilderComponent(cfg *config.Config, loopComp *LoopControlComponent) *BuilderComponent {
	return &BuilderComponent{cfg: cfg, loopComp: loopComp}
}

func (b *BuilderComponent) Name() string {
	return "Builder"
}

func (b *BuilderComponent) Dependencies() []string {
	return []string{"LoopControl"}
}

func (b *BuilderComponent) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg == nil || b.loopComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	control := b.loopComp.Control()
	if control == nil {
		return fmt.Errorf("loop control not initialized")
	}

	handshake, err := config.DurationOrDefault(b.cfg.Guard.HandshakeTimeout, config.DefaultGuardHandshakeTimeout)
	if err != nil {
		return fmt.Errorf("parse guard handshake timeout: %w", err)
	}
	supervise, err := config.DurationOrDefault(b.cfg.Guard.SuperviseInterval, config.DefaultGuardSuperviseInterval)
	if err != nil {
		return fmt.Errorf("parse guard supervise interval: %w", err)
	}
	grace, err := config.DurationOrDefault(b.cfg.Guard.StartupGrace, config.DefaultGuardStartupGrace)
	if err != nil {
		return fmt.Errorf("parse guard startup grace: %w", err)
	}
	release, err := config.DurationOrDefault(b.cfg.Loop.ReleaseGrace, config.DefaultLoopReleaseGrace)
	if err != nil {
		return fmt.Errorf("parse loop release grace: %w", err)
	}

	controlPath := b.cfg.Loop.ControlPath
	if controlPath == "" {
		controlPath = config.DefaultLoopControlPath
	}

	builder, err := sandbox.NewBuilder(sandbox.Options{
		Spawner:           &sandbox.ExecSpawner{Binary: b.cfg.Guard.Binary, Stderr: os.Stderr},
		Loops:             control,
		Identities:        sandbox.NewIdentitySource(time.Now()),
		LoopControl:       controlPath,
		HandshakeTimeout:  handshake,
		ReleaseGrace:      release,
		SuperviseInterval: supervise,
		StartupGrace:      grace,
		LogLevel:          b.cfg.Server.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("create sandbox builder: %w", err)
	}

	b.builder = builder
	b.initialized = true
	slog.Info("Builder initialized", "component", b.Name(), "handshake_timeout", handshake, "startup_grace", grace)
	return nil
}

func (b *BuilderComponent) Start(ctx context.Context) error {
	return nil
}

// Stop waits for sandboxes of failed builds to finish releasing.
func (b *BuilderComponent) Stop(ctx context.Context) error {
	b.mu.RLock()
	builder := b.builder
	b.mu.RUnlock()

	if builder == nil {
		return nil
	}
	if err := builder.Wait(ctx); err != nil {
		slog.Warn("Builder stopped with releases pending", "component", b.Name(), "error", err)
		return err
	}
	return nil
}

func (b *BuilderComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return daemon.Unhealthy(b.Name(), fmt.Errorf("not initialized")), nil
	}
	return daemon.Healthy(b.Name()), nil
}

func (b *BuilderComponent) Builder() *sandbox.Builder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.builder
}
