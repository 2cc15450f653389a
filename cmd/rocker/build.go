package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/harunnryd/rocker/internal/client"
	"github.com/harunnryd/rocker/internal/formatter"
	"github.com/harunnryd/rocker/internal/registry"
	"github.com/harunnryd/rocker/internal/sandbox"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Request a sandbox from the server",
	Long: `Sends a build request to the running server. Without --command the guard pid and
identity are printed; with --command the command is run inside the sandbox through nsenter.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}
		argv, err := commandFromFlags(cmd)
		if err != nil {
			return err
		}

		socket := ""
		if cfg != nil {
			socket = cfg.Server.SocketName
		}
		c := client.New(socket)
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			c.Timeout = timeout
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		res, err := c.Build(ctx, req)
		if err != nil {
			return err
		}
		defer res.Handles.Close()

		if len(argv) == 0 {
			return printBuild(cmd, req, res)
		}

		nsenter, _ := cmd.Flags().GetString("nsenter")
		return res.Run(ctx, nsenter, argv)
	},
}

func requestFromFlags(cmd *cobra.Command) (sandbox.Request, error) {
	flags := cmd.Flags()
	appID, _ := flags.GetUint32("app-id")
	uid, _ := flags.GetUint32("uid")
	gid, _ := flags.GetInt64("gid")
	pkg, _ := flags.GetString("package")
	execDir, _ := flags.GetString("exec-dir")
	dataDir, _ := flags.GetString("data-dir")
	overlays, _ := flags.GetStringSlice("overlay")

	req := sandbox.Request{
		AppID:       appID,
		UID:         uid,
		PackagePath: pkg,
		ExecDir:     execDir,
		DataDir:     dataDir,
		OverlayDirs: overlays,
	}
	if gid >= 0 {
		if gid > 1<<31-1 {
			return sandbox.Request{}, fmt.Errorf("gid %d out of range", gid)
		}
		g := uint32(gid)
		req.GID = &g
	}
	return req, nil
}

func commandFromFlags(cmd *cobra.Command) ([]string, error) {
	line, _ := cmd.Flags().GetString("command")
	if line == "" {
		return nil, nil
	}
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse --command: %w", err)
	}
	return argv, nil
}

func printBuild(cmd *cobra.Command, req sandbox.Request, res *client.Result) error {
	output, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(output)
	if err != nil {
		return err
	}
	f, err := formatter.NewFormatterFactory().Create(format)
	if err != nil {
		return err
	}

	info := registry.Info{
		PID:       res.PID,
		Identity:  res.Identity.String(),
		AppID:     req.AppID,
		UID:       req.UID,
		LoopID:    -1,
		ExecDir:   req.ExecDir,
		DataDir:   req.DataDir,
		CreatedAt: time.Now(),
	}
	out, err := f.FormatSandbox(&info)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// exitCode lets scripts tell failure kinds apart. A command run inside the
// sandbox passes its own status through.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	if code := client.CodeOf(err); code > client.CodeSuccess {
		return int(code)
	}
	return 1
}

func addBuildFlags(flags *pflag.FlagSet) {
	flags.Uint32("app-id", 0, "application id (required)")
	flags.Uint32("uid", 0, "uid the sandbox maps to root (required)")
	flags.Int64("gid", -1, "gid the sandbox maps to root (default: unmapped)")
	flags.String("package", "", "package image to loop-mount (required)")
	flags.String("exec-dir", "", "mount point of the package (required)")
	flags.String("data-dir", "", "directory holding overlay upper and work dirs (required)")
	flags.StringSlice("overlay", nil, "directory to overlay inside the sandbox (repeatable)")
	flags.String("command", "", "command line to run inside the sandbox")
	flags.String("nsenter", "nsenter", "nsenter binary used to enter the sandbox")
	flags.Duration("timeout", 10*time.Second, "how long to wait for the server")
	flags.StringP("output", "o", "table", "output format (table, json, yaml)")
}

func init() {
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd.Flags())
	for _, name := range []string{"app-id", "uid", "package", "exec-dir", "data-dir"} {
		buildCmd.MarkFlagRequired(name)
	}
}
