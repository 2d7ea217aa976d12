package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/daemon"
	"github.com/mschirtzinger/usersync/internal/ui"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep the cache fresh in the foreground",
		Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Refresh once if the cache is stale
  2. Check staleness every daemon.interval and refresh when due
  3. Refresh when the remote file changes (with --remote-file)
  4. Retry network, timeout and offline failures with backoff`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, cache, err := opts.openRepository()
			if err != nil {
				return err
			}
			defer cache.Close()

			d, err := newDaemon(opts, repo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Starting sync daemon...\n", ui.RenderAccent("▶"))
			fmt.Fprintf(out, "   Remote: %s\n", opts.remoteName())
			fmt.Fprintf(out, "   Cache:  %s\n", cache.Path())
			fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Start blocks until interrupted.
			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("daemon stopped with error: %w", err)
			}
			return nil
		},
	}
}

// newDaemon builds a daemon from the resolved configuration.
func newDaemon(opts *rootOptions, repo usersync.Repository) (*daemon.Daemon, error) {
	cfg := daemon.DefaultConfig()
	cfg.CheckInterval = opts.cfg.Daemon.Interval
	cfg.MaxAge = opts.cfg.Cache.MaxAge
	cfg.WatchFile = opts.cfg.Remote.File
	if opts.cfg.Daemon.Debounce > 0 {
		cfg.DebounceInterval = opts.cfg.Daemon.Debounce
	}
	cfg.Logger = opts.logger("daemon")

	d, err := daemon.NewWithConfig(repo, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon: %w", err)
	}
	return d, nil
}
