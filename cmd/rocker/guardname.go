package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harunnryd/rocker/internal/client"
	"github.com/harunnryd/rocker/internal/sandbox"
)

var guardNameCmd = &cobra.Command{
	Use:   "guardname <pid>",
	Short: "Print the process name of a guard",
	Long:  `Prints the name of the process with the given pid. With --identity, fails unless the process is the guard holding that identity.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", args[0])
		}

		identity, _ := cmd.Flags().GetString("identity")
		if identity == "" {
			name, err := client.GuardName(pid)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		}

		id, err := sandbox.ParseIdentity(identity)
		if err != nil {
			return err
		}
		ok, err := client.VerifyGuard(pid, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("pid %d is not the guard of %s", pid, id)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(guardNameCmd)
	guardNameCmd.Flags().String("identity", "", "expected guard identity")
}
