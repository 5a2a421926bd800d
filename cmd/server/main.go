package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"screenwatch-mcp-server/internal/config"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

type rootOptions struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
	logLevel     string

	cfg   config.Config
	wsDir string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "screenwatch",
		Short:         "Background screen observer and dialog resolver for browser-automated sessions.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file layered over the workspace config")
	root.PersistentFlags().StringVar(&opts.workspaceDir, "workspace", "", "workspace root containing .screenwatch/ (default: discovered from cwd)")
	root.PersistentFlags().BoolVar(&opts.noWorkspace, "no-workspace", false, "ignore .screenwatch/ workspace config")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newCatalogCmd(opts))
	root.AddCommand(newInitCmd())
	return root
}

func (o *rootOptions) load() error {
	cfg, wsDir, err := config.LoadWithWorkspace(o.configPath, config.WorkspaceOptions{
		ExplicitDir: o.workspaceDir,
		Disable:     o.noWorkspace,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	o.cfg = cfg
	o.wsDir = wsDir
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var ssePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (stdio, or SSE with --sse-port)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve over SSE on this port (overrides mcp.sse_port)")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .screenwatch/ workspace with a template config",
		Args:  cobra.MaximumNArgs(1),
		// Runs before any workspace exists.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized workspace in %s\n", root)
			return nil
		},
	}
}

func exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
