package main

import (
	"os"

	"github.com/harunnryd/rocker/internal/sandbox"

	"github.com/spf13/cobra"
)

// guardCmd and holderCmd are what the server re-executes itself as. They
// skip config loading: the guard receives everything on its channel.
var guardCmd = &cobra.Command{
	Use:    sandbox.GuardCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		channel := os.NewFile(sandbox.ChannelFD, "guard-channel")
		os.Exit(sandbox.RunGuard(channel, os.Stderr))
	},
}

var holderCmd = &cobra.Command{
	Use:    sandbox.HolderCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		sandbox.RunHolder()
	},
}

func init() {
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(holderCmd)
}
