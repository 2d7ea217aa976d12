package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/apperr/i18n"
	"github.com/mschirtzinger/usersync/internal/config"
	"github.com/mschirtzinger/usersync/internal/logging"
	"github.com/mschirtzinger/usersync/internal/remote"
	"github.com/mschirtzinger/usersync/internal/store/sqlite"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitFailure = 1 // refresh failed or user not found
	ExitUsage   = 2 // bad flags or config
)

// exitError carries an exit code and, optionally, the text shown to the user
// in place of the underlying error.
type exitError struct {
	code int
	msg  string
	err  error
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailure
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json", "yaml"}

// rootOptions holds global flags and the state resolved from them.
type rootOptions struct {
	ConfigFile string
	DBPath     string
	RemoteURL  string
	RemoteFile string
	Locale     string
	Verbose    bool

	v    *viper.Viper
	cfg  *config.Config
	sink *logging.Sink

	// stderr receives log output. Tests replace it.
	stderr io.Writer
}

// NewRootCommand creates the usersync command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New(), stderr: os.Stderr}

	cmd := &cobra.Command{
		Use:   "usersync",
		Short: "usersync - offline-first user directory cache",
		Long: `usersync keeps a local SQLite cache of a remote user directory.

Reads are always served from the cache. A refresh fetches the full list from
the remote and replaces the cache atomically; if it fails, the cache is left
exactly as it was and the failure is reported as a network, timeout, offline
or unknown error.

The remote is an HTTP endpoint serving GET /users, or a local JSON/JSONL file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.sink != nil {
				return opts.sink.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default: ./usersync.toml or ~/.config/usersync/usersync.toml)")
	flags.StringVar(&opts.DBPath, "db", "", "cache database path")
	flags.StringVar(&opts.RemoteURL, "remote", "", "remote base URL serving /users")
	flags.StringVar(&opts.RemoteFile, "remote-file", "", "read users from a JSON or JSONL file instead of HTTP")
	flags.StringVar(&opts.Locale, "locale", "", "message locale (en-US, ja-JP)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "show component logs on stderr")

	_ = opts.v.BindPFlag("db.path", flags.Lookup("db"))
	_ = opts.v.BindPFlag("remote.url", flags.Lookup("remote"))
	_ = opts.v.BindPFlag("remote.file", flags.Lookup("remote-file"))
	_ = opts.v.BindPFlag("locale", flags.Lookup("locale"))
	_ = opts.v.BindPFlag("log.verbose", flags.Lookup("verbose"))

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDaemonCommand(opts))
	cmd.AddCommand(newDashboardCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// load resolves configuration and opens the log sink.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.v, o.ConfigFile)
	if err != nil {
		return &exitError{code: ExitUsage, err: err}
	}
	o.cfg = cfg

	sink, err := logging.NewSink(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      !cfg.Log.Verbose && !longRunning(cmd),
		Stderr:     o.stderr,
	})
	if err != nil {
		return &exitError{code: ExitUsage, err: fmt.Errorf("failed to open log file: %w", err)}
	}
	o.sink = sink
	return nil
}

// longRunning reports whether cmd runs until interrupted. Those commands log
// to stderr by default.
func longRunning(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "daemon", "dashboard":
		return true
	}
	return false
}

func (o *rootOptions) logger(name string) *log.Logger {
	return o.sink.New(name)
}

func (o *rootOptions) messages() *i18n.Catalog {
	return i18n.New(o.cfg.Locale)
}

// openCache opens the SQLite cache. A cache that cannot produce a snapshot
// for an observer ends the process.
func (o *rootOptions) openCache() (*sqlite.DB, error) {
	cache, err := sqlite.Open(o.cfg.DB.Path, &sqlite.Options{
		Logger: o.logger("store"),
		OnFatal: func(err error) {
			fmt.Fprintf(o.stderr, "Error: local cache is unreadable: %v\n", err)
			os.Exit(ExitFailure)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", o.cfg.DB.Path, err)
	}
	return cache, nil
}

// newRemote selects the remote source. A file takes precedence over a URL.
func (o *rootOptions) newRemote() usersync.RemoteSource {
	if o.cfg.Remote.File != "" {
		return remote.NewFileSource(o.cfg.Remote.File)
	}
	return remote.NewHTTPSource(o.cfg.Remote.URL, o.cfg.Remote.Timeout)
}

// remoteName describes the configured remote for status output.
func (o *rootOptions) remoteName() string {
	if o.cfg.Remote.File != "" {
		return "file " + o.cfg.Remote.File
	}
	return o.cfg.Remote.URL
}

// openRepository opens the cache and wires it to the remote. The caller
// closes the returned cache.
func (o *rootOptions) openRepository() (usersync.Repository, *sqlite.DB, error) {
	cache, err := o.openCache()
	if err != nil {
		return nil, nil, err
	}
	return usersync.New(cache, o.newRemote(), nil, o.logger("sync")), cache, nil
}

// describeFailure renders a refresh failure for the terminal.
func (o *rootOptions) describeFailure(err error) string {
	classified := apperr.Classify(err)
	msgs := o.messages()
	text := msgs.MessageFor(classified)
	if classified.Retryable() {
		text += "\n  " + msgs.Text(i18n.KeyRetryHint)
	}
	return text
}

func validFormat(format string) error {
	for _, f := range ValidFormats {
		if f == format {
			return nil
		}
	}
	return &exitError{
		code: ExitUsage,
		err:  fmt.Errorf("invalid format %q: must be one of %v", format, ValidFormats),
	}
}
