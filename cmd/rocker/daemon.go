package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/daemon"
	"github.com/harunnryd/rocker/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sandbox server",
	Long:  `Starts the request server with its loop control, registry, reaper and journal sweeper. Runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := newDaemon(cfg)
		if err != nil {
			return err
		}

		slog.Info("Rocker daemon starting up...", "socket", cfg.Server.SocketName, "workers", cfg.Server.Workers)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Rocker daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Rocker daemon stopped gracefully")
		return nil
	},
}

// newDaemon wires every component the server needs. The status endpoint
// is only added when an address is configured.
func newDaemon(cfg *config.Config) (*daemon.Daemon, error) {
	daemonMgr, err := daemon.NewDaemon(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon manager: %w", err)
	}

	loopComp := components.NewLoopControlComponent(&cfg.Loop)
	regComp := components.NewRegistryComponent(&cfg.Journal)
	builderComp := components.NewBuilderComponent(cfg, loopComp)
	reaperComp := components.NewReaperComponent(&cfg.Reaper, regComp)
	sweeperComp := components.NewSweeperComponent(&cfg.Journal, regComp, loopComp)
	serverComp := components.NewServerComponent(daemonMgr, cfg, builderComp, regComp)

	daemonMgr.AddComponent(loopComp)
	daemonMgr.AddComponent(regComp)
	daemonMgr.AddComponent(builderComp)
	daemonMgr.AddComponent(reaperComp)
	daemonMgr.AddComponent(sweeperComp)
	daemonMgr.AddComponent(serverComp)

	if cfg.Server.StatusAddr != "" {
		daemonMgr.AddComponent(components.NewStatusComponent(daemonMgr, &cfg.Server, regComp))
	}
	return daemonMgr, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Int("server.workers", config.DefaultServerWorkers, "number of request workers")
	daemonCmd.Flags().String("server.status_addr", config.DefaultServerStatusAddr, "address of the HTTP status endpoint (disabled when empty)")
	daemonCmd.Flags().String("journal.path", config.DefaultJournalPath, "sandbox journal file")
}
