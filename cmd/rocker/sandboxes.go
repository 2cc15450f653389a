package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/formatter"
	"github.com/harunnryd/rocker/internal/journal"
)

var sandboxesCmd = &cobra.Command{
	Use:     "sandboxes",
	Aliases: []string{"ls"},
	Short:   "List sandboxes recorded by the server",
	Long:    `Reads the server's sandbox journal. Entries of a server that crashed stay listed until its sweeper releases them.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultJournalPath
		if cfg != nil && cfg.Journal.Path != "" {
			path = cfg.Journal.Path
		}

		output, _ := cmd.Flags().GetString("output")
		format, err := formatter.ParseOutputFormat(output)
		if err != nil {
			return err
		}
		f, err := formatter.NewFormatterFactory().Create(format)
		if err != nil {
			return err
		}

		entries, err := journal.Read(path)
		if err != nil {
			return fmt.Errorf("read journal %s: %w", path, err)
		}

		out, err := f.FormatSandboxes(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sandboxesCmd)
	sandboxesCmd.Flags().StringP("output", "o", "table", "output format (table, json, yaml)")
	sandboxesCmd.Flags().String("journal.path", config.DefaultJournalPath, "sandbox journal file")
}
