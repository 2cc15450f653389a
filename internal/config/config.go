package config

import (
	"log/slog"
	"strings"

	"github.com/harunnryd/rocker/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Guard   GuardConfig   `koanf:"guard" yaml:"guard"`
	Loop    LoopConfig    `koanf:"loop" yaml:"loop"`
	Reaper  ReaperConfig  `koanf:"reaper" yaml:"reaper"`
	Journal JournalConfig `koanf:"journal" yaml:"journal"`
	Daemon  DaemonConfig  `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	SocketName string `koanf:"socket_name" yaml:"socket_name"`
	Workers    int    `koanf:"workers" yaml:"workers"`
	QueueSize  int    `koanf:"queue_size" yaml:"queue_size"`
	LogLevel   string `koanf:"log_level" yaml:"log_level"`
	LockPath   string `koanf:"lock_path" yaml:"lock_path"`
	StatusAddr string `koanf:"status_addr" yaml:"status_addr"`
}

type GuardConfig struct {
	Binary            string `koanf:"binary" yaml:"binary"`
	HandshakeTimeout  string `koanf:"handshake_timeout" yaml:"handshake_timeout"`
	SuperviseInterval string `koanf:"supervise_interval" yaml:"supervise_interval"`
	StartupGrace      string `koanf:"startup_grace" yaml:"startup_grace"`
}

type LoopConfig struct {
	ControlPath  string `koanf:"control_path" yaml:"control_path"`
	ReleaseGrace string `koanf:"release_grace" yaml:"release_grace"`
}

type ReaperConfig struct {
	IdleInterval string `koanf:"idle_interval" yaml:"idle_interval"`
}

type JournalConfig struct {
	Path          string `koanf:"path" yaml:"path"`
	SweepSchedule string `koanf:"sweep_schedule" yaml:"sweep_schedule"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
}

const (
	DefaultConfigPath                   = "/etc/rocker/config.yaml"
	DefaultServerSocketName             = "rocker_server_uau"
	DefaultServerWorkers                = 4
	DefaultServerQueueSize              = 64
	DefaultServerLogLevel               = "info"
	DefaultServerLockPath               = "/run/rocker/server.lock"
	DefaultServerStatusAddr             = ""
	DefaultServerLockTimeout            = "2s"
	DefaultServerLockRetry              = "100ms"
	DefaultServerLockMaxRetry           = 20
	DefaultGuardBinary                  = "/proc/self/exe"
	DefaultGuardHandshakeTimeout        = "2s"
	DefaultGuardSuperviseInterval       = "1s"
	DefaultGuardStartupGrace            = "20s"
	DefaultLoopControlPath              = "/dev/loop-control"
	DefaultLoopReleaseGrace             = "2s"
	DefaultReaperIdleInterval           = "200ms"
	DefaultJournalPath                  = "/run/rocker/sandboxes.json"
	DefaultJournalSweepSchedule         = "*/5 * * * *"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.socket_name":              DefaultServerSocketName,
		"server.workers":                  DefaultServerWorkers,
		"server.queue_size":               DefaultServerQueueSize,
		"server.log_level":                DefaultServerLogLevel,
		"server.lock_path":                DefaultServerLockPath,
		"server.status_addr":              DefaultServerStatusAddr,
		"guard.binary":                    DefaultGuardBinary,
		"guard.handshake_timeout":         DefaultGuardHandshakeTimeout,
		"guard.supervise_interval":        DefaultGuardSuperviseInterval,
		"guard.startup_grace":             DefaultGuardStartupGrace,
		"loop.control_path":               DefaultLoopControlPath,
		"loop.release_grace":              DefaultLoopReleaseGrace,
		"reaper.idle_interval":            DefaultReaperIdleInterval,
		"journal.path":                    DefaultJournalPath,
		"journal.sweep_schedule":          DefaultJournalSweepSchedule,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		if err := k.Load(file.Provider(DefaultConfigPath), yaml.Parser()); err != nil {
			slog.Debug("System config not found or invalid", "path", DefaultConfigPath, "error", err)
		}
	}

	// ROCKER_SERVER_WORKERS -> server.workers; only the first underscore splits sections.
	k.Load(env.Provider("ROCKER_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "ROCKER_"))
		return strings.Replace(key, "_", ".", 1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = DefaultServerWorkers
	}
	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = DefaultServerQueueSize
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, field := range []*string{&cfg.Server.LockPath, &cfg.Journal.Path} {
		expanded, err := expandConfiguredPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}
	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
