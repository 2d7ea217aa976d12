package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/ui"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the cache from the remote once",
		Long: `Fetch the full user list from the remote and replace the cache with it.

On failure the cache is left untouched and the error is shown in the
configured locale. Network, timeout and offline errors are worth retrying.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSync(ctx, cmd, opts)
		},
	}
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *rootOptions) error {
	repo, cache, err := opts.openRepository()
	if err != nil {
		return err
	}
	defer cache.Close()

	start := time.Now()
	if err := repo.Refresh(ctx); err != nil {
		return &exitError{code: ExitFailure, msg: opts.describeFailure(err), err: err}
	}

	count, err := cache.GetUserCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.PassLine(fmt.Sprintf(
		"Synced %d users from %s in %v", count, opts.remoteName(), time.Since(start).Round(time.Millisecond))))
	return nil
}
