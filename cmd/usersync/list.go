package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/ui"
)

type listOptions struct {
	Format  string
	Watch   bool
	Refresh bool
}

func newListCommand(opts *rootOptions) *cobra.Command {
	lo := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached users",
		Long: `List users from the local cache, sorted by name.

With --refresh the cache is refreshed first when it is stale. A failed
refresh is reported as a warning and the cached list is still shown.

With --watch the list is printed again every time the cache changes, until
interrupted.

Example usage:
  usersync list
  usersync list --format json
  usersync list --watch --refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(lo.Format); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runList(ctx, cmd, opts, lo)
		},
	}

	cmd.Flags().StringVarP(&lo.Format, "format", "f", "text", "output format (text|json|yaml)")
	cmd.Flags().BoolVarP(&lo.Watch, "watch", "w", false, "print the list again on every change")
	cmd.Flags().BoolVar(&lo.Refresh, "refresh", false, "refresh first if the cache is stale")

	return cmd
}

func runList(ctx context.Context, cmd *cobra.Command, opts *rootOptions, lo *listOptions) error {
	repo, cache, err := opts.openRepository()
	if err != nil {
		return err
	}
	defer cache.Close()

	out := cmd.OutOrStdout()
	refresh := func() {
		if err := repo.Refresh(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), ui.WarnLine(opts.describeFailure(err)))
		}
	}
	needRefresh := lo.Refresh && repo.IsStale(ctx, opts.cfg.Cache.MaxAge)

	if needRefresh && !lo.Watch {
		refresh()
	}

	stream := repo.Observe(ctx)

	if needRefresh && lo.Watch {
		// The refreshed list arrives on the stream.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			refresh()
		}()
		defer wg.Wait()
	}

	for users := range stream {
		if err := writeUsers(out, lo.Format, users); err != nil {
			return err
		}
		if !lo.Watch {
			return nil
		}
		if lo.Format == "text" {
			fmt.Fprintln(out)
		}
	}
	return nil
}
