package daemon

import (
	"context"
)

// HealthStatus is the daemon-wide lifecycle state reported on /health.
type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// ComponentHealth is one component's answer to a health probe. Error says
// why it is unhealthy and is nil otherwise.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Healthy reports name as healthy.
func Healthy(name string) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: true}
}

// Unhealthy reports name as unhealthy because of err.
func Unhealthy(name string, err error) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: false, Error: err}
}

// Component is a piece of the server with a managed lifecycle. The daemon
// calls Init and Start in dependency order and Stop in reverse. A component
// named in Dependencies is initialized and started first; loop control and
// the registry have none, the request server depends on the builder,
// registry and reaper.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}
