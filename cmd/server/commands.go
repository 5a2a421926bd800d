package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/logging"
	mcpserver "screenwatch-mcp-server/internal/mcp"
	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var errObserverHalted = errors.New("observer halted")

func runServe(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.Logging)
	a, err := newApp(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if cfg.Browser.AutoStart {
		if err := a.sessions.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
	} else {
		log.Info("browser auto-start disabled; use launch-browser to start it")
	}

	server, err := mcpserver.NewServer(cfg, a.sessions, a.engine, a.monitor, log)
	if err != nil {
		return err
	}

	if cfg.MCP.SSEPort > 0 {
		log.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		return exitErr(server.StartSSE(ctx, cfg.MCP.SSEPort))
	}
	log.Info("starting MCP stdio server")
	return exitErr(server.Start(ctx))
}

type watchOptions struct {
	duration time.Duration
	policy   string
	headless bool
	status   time.Duration
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	wo := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "Open a page and print observer events as JSON until interrupted",
		Long: `Launch (or connect to) Chrome, open the URL (default browser.start_url),
start the screen observer and print every event as indented JSON on stdout.
Logs go to stderr. Stops on SIGINT/SIGTERM, after --duration, or when the
stop escalation policy halts the observer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if wo.policy != "" {
				cfg.Observer.EscalationPolicy = wo.policy
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = &wo.headless
			}
			url := cfg.Browser.StartURL
			if len(args) == 1 {
				url = args[0]
			}
			err := runWatch(cmd.Context(), cfg, url, wo, cmd.OutOrStdout())
			if errors.Is(err, errObserverHalted) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&wo.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&wo.policy, "policy", "", "escalation policy: advisory | stop")
	cmd.Flags().BoolVar(&wo.headless, "headless", false, "run Chrome headless")
	cmd.Flags().DurationVar(&wo.status, "status-every", 0, "log observer counters at this interval")
	return cmd
}

func runWatch(ctx context.Context, cfg config.Config, url string, wo *watchOptions, out io.Writer) error {
	log := logging.New(cfg.Logging)
	a, err := newApp(cfg, log, newEventPrinter(out))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	sess, err := a.sessions.CreateSession(ctx, url)
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	if _, err := a.monitor.Watch(sess.ID); err != nil {
		return err
	}
	log.Info("watching", zap.String("session", sess.ID), zap.String("url", url))

	runCtx := ctx
	if wo.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, wo.duration)
		defer cancel()
	}

	err = superviseObserver(runCtx, a.monitor, sess.ID, wo.status, log)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if st, serr := a.monitor.Status(sess.ID); serr == nil {
		log.Info("observer summary",
			zap.Uint64("cycles", st.Cycles),
			zap.Uint64("resolved", st.Resolved),
			zap.Uint64("transitions", st.Transitions),
			zap.Uint64("escalations", st.Escalations),
			zap.String("halt_reason", st.HaltReason),
		)
	}
	return err
}

// superviseObserver returns when ctx ends or the observer halts itself.
func superviseObserver(ctx context.Context, mon *monitor.Manager, sessionID string, every time.Duration, log *zap.Logger) error {
	check := time.NewTicker(250 * time.Millisecond)
	defer check.Stop()

	var report <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		report = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-report:
			if st, err := mon.Status(sessionID); err == nil {
				log.Info("observer status",
					zap.Uint64("cycles", st.Cycles),
					zap.Uint64("resolved", st.Resolved),
					zap.Uint64("escalations", st.Escalations),
					zap.String("last_url", st.LastURL),
				)
			}
		case <-check.C:
			st, err := mon.Status(sessionID)
			if err != nil {
				return err
			}
			if !st.Running {
				return fmt.Errorf("%w: %s", errObserverHalted, st.HaltReason)
			}
		}
	}
}

// newEventPrinter writes each event as indented JSON.
func newEventPrinter(out io.Writer) observer.Callback {
	var mu sync.Mutex
	return func(ev observer.Event) {
		record := map[string]interface{}{
			"event":      ev.Type,
			"session_id": ev.SessionID,
			"payload":    ev.Payload(),
		}
		raw, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, string(raw))
	}
}

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	var format string
	var file string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print (or validate) the dialog catalog",
		Long: `Print the pattern catalog the observers use: the configured
observer.catalog_path, the file given with --file, or the built-in one.
Redirect the YAML output to a file to start a custom catalog.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.cfg.Observer.CatalogPath
			if file != "" {
				path = file
			}
			catalog, err := monitor.LoadCatalog(path)
			if err != nil {
				return err
			}
			if err := catalog.Validate(); err != nil {
				return err
			}
			return writeCatalog(cmd.OutOrStdout(), catalog, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml | json")
	cmd.Flags().StringVar(&file, "file", "", "catalog file to load instead of the configured one")
	return cmd
}

func writeCatalog(out io.Writer, catalog *observer.Catalog, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(catalog); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
