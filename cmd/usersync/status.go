package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/usersync/internal/ui"
)

// cacheStatus is the machine-readable form of status output.
type cacheStatus struct {
	Database  string     `json:"database" yaml:"database"`
	Remote    string     `json:"remote" yaml:"remote"`
	Users     int        `json:"users" yaml:"users"`
	LastWrite *time.Time `json:"last_write,omitempty" yaml:"last_write,omitempty"`
	MaxAge    string     `json:"max_age" yaml:"max_age"`
	Stale     bool       `json:"stale" yaml:"stale"`
}

type statusOptions struct {
	MaxAge time.Duration
	Format string
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	so := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache location, size and freshness",
		Long: `Show where the cache lives, how many users it holds, when it was last
written and whether it is stale.

The cache is stale when it has never been written or when its last write is
older than --max-age (default: cache.max_age from the config).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(so.Format); err != nil {
				return err
			}
			return runStatus(cmd, opts, so)
		},
	}

	cmd.Flags().DurationVar(&so.MaxAge, "max-age", 0, "staleness threshold (default: cache.max_age)")
	cmd.Flags().StringVarP(&so.Format, "format", "f", "text", "output format (text|json|yaml)")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *rootOptions, so *statusOptions) error {
	ctx := cmd.Context()

	maxAge := so.MaxAge
	if maxAge <= 0 {
		maxAge = opts.cfg.Cache.MaxAge
	}

	repo, cache, err := opts.openRepository()
	if err != nil {
		return err
	}
	defer cache.Close()

	count, err := cache.GetUserCount(ctx)
	if err != nil {
		return err
	}

	st := cacheStatus{
		Database: cache.Path(),
		Remote:   opts.remoteName(),
		Users:    count,
		MaxAge:   maxAge.String(),
		Stale:    repo.IsStale(ctx, maxAge),
	}
	last, ok, err := cache.LastUpdated(ctx)
	if err != nil {
		return err
	}
	if ok {
		st.LastWrite = &last
	}

	out := cmd.OutOrStdout()
	switch so.Format {
	case "json":
		return writeJSON(out, st)
	case "yaml":
		return writeYAML(out, st)
	}

	fmt.Fprintf(out, "Database:   %s\n", st.Database)
	fmt.Fprintf(out, "Remote:     %s\n", st.Remote)
	fmt.Fprintf(out, "Users:      %d\n", st.Users)
	if st.LastWrite != nil {
		fmt.Fprintf(out, "Last write: %s (%s ago)\n",
			st.LastWrite.Format(time.RFC3339), time.Since(*st.LastWrite).Round(time.Second))
	} else {
		fmt.Fprintf(out, "Last write: %s\n", ui.RenderMuted("never"))
	}
	if st.Stale {
		fmt.Fprintln(out, ui.WarnLine("Cache is stale (max age "+st.MaxAge+")"))
	} else {
		fmt.Fprintln(out, ui.PassLine("Cache is fresh (max age "+st.MaxAge+")"))
	}
	return nil
}
