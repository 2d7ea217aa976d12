package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/apperr/i18n"
	"github.com/mschirtzinger/usersync/internal/model"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

// errUserNotFound is returned by show for an id that is not cached.
var errUserNotFound = errors.New("user not found")

type showOptions struct {
	Format string
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	so := &showOptions{}

	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one cached user",
		Long: `Show a single user from the local cache.

Without an id, and when stdin is a terminal, pick a user from the cached list
interactively.

Example usage:
  usersync show 3
  usersync show 3 --format yaml
  usersync show`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(so.Format); err != nil {
				return err
			}
			return runShow(cmd, opts, so, args)
		},
	}

	cmd.Flags().StringVarP(&so.Format, "format", "f", "text", "output format (text|json|yaml)")

	return cmd
}

func runShow(cmd *cobra.Command, opts *rootOptions, so *showOptions, args []string) error {
	ctx := cmd.Context()

	repo, cache, err := opts.openRepository()
	if err != nil {
		return err
	}
	defer cache.Close()

	var id int
	switch {
	case len(args) == 1:
		id, err = strconv.Atoi(args[0])
		if err != nil {
			return &exitError{code: ExitUsage, err: fmt.Errorf("invalid user id %q", args[0])}
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		id, err = pickUser(ctx, repo)
		if err != nil {
			return err
		}
	default:
		return &exitError{code: ExitUsage, err: errors.New("a user id is required when stdin is not a terminal")}
	}

	u, ok, err := repo.GetByID(ctx, id)
	if err != nil {
		classified := apperr.Classify(err)
		return &exitError{code: ExitFailure, msg: opts.messages().MessageFor(classified), err: err}
	}
	if !ok {
		return &exitError{
			code: ExitFailure,
			msg:  opts.messages().Text(i18n.KeyUserNotFound),
			err:  fmt.Errorf("%w: %d", errUserNotFound, id),
		}
	}
	return writeUser(cmd.OutOrStdout(), so.Format, u)
}

// pickUser lets the user choose from the cached list.
func pickUser(ctx context.Context, repo usersync.Repository) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	users, ok := <-repo.Observe(ctx)
	if !ok {
		return 0, ctx.Err()
	}
	if len(users) == 0 {
		return 0, &exitError{code: ExitFailure, err: errors.New("the cache is empty; run 'usersync sync' first")}
	}

	var id int
	err := huh.NewSelect[int]().
		Title("Select a user").
		Options(userOptions(users)...).
		Value(&id).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return 0, &exitError{code: ExitFailure, err: errors.New("aborted")}
		}
		return 0, fmt.Errorf("failed to run picker: %w", err)
	}
	return id, nil
}

func userOptions(users []model.User) []huh.Option[int] {
	options := make([]huh.Option[int], len(users))
	for i, u := range users {
		options[i] = huh.NewOption(fmt.Sprintf("%s <%s>", u.Name, u.Email), u.ID)
	}
	return options
}
