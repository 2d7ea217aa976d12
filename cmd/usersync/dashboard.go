package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/dashboard"
)

func newDashboardCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Run the sync daemon with a real-time WebSocket dashboard",
		Long: `Run the sync daemon and a WebSocket dashboard server.

The dashboard broadcasts the cached user list and refresh outcomes to
connected clients.

WebSocket messages include:
- users: The full cached user list, sent on connect and after every change
- sync_complete: A refresh committed
- sync_failed: A refresh failed (kind, retryable, localized message)
- sync_skipped: A refresh request was dropped because one was in flight

Clients may send {"type":"refresh"} to request a refresh.

Example usage:
  usersync dashboard                   # Start on the configured port
  usersync dashboard --port 9000       # Start on a custom port`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("port") {
				port = opts.cfg.Dashboard.Port
			}

			repo, cache, err := opts.openRepository()
			if err != nil {
				return err
			}
			defer cache.Close()

			d, err := newDaemon(opts, repo)
			if err != nil {
				return err
			}

			server := dashboard.NewServer(&dashboard.Config{
				Host:   opts.cfg.Dashboard.Host,
				Port:   port,
				Logger: opts.logger("dashboard"),
			})
			handler := dashboard.NewHandler(server, repo, d, opts.messages(), opts.logger("dashboard"))
			d.SetNotifier(handler)

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()

			handler.Start()
			defer handler.Stop()

			out := cmd.OutOrStdout()
			addr := server.GetAddr()
			fmt.Fprintf(out, "Dashboard server started on http://%s\n", addr)
			fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", addr)
			fmt.Fprintf(out, "Health check: http://%s/health\n", addr)
			fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("daemon stopped with error: %w", err)
			}
			fmt.Fprintln(out, "\nDashboard server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
