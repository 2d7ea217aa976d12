package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/clock"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

// Refresh triggers, reported in Outcome.Trigger.
const (
	TriggerStartup    = "startup"
	TriggerStale      = "stale"
	TriggerFileChange = "file_change"
	TriggerRetry      = "retry"
	TriggerManual     = "manual"
)

// Config holds configuration for the daemon.
type Config struct {
	// CheckInterval is how often to check whether the cache is stale
	CheckInterval time.Duration

	// MaxAge is the cache age after which a refresh is due
	MaxAge time.Duration

	// WatchFile, if set, is a local users file whose changes trigger a refresh
	WatchFile string

	// DebounceInterval is how long to wait after a file change before
	// refreshing. This batches rapid writes together
	DebounceInterval time.Duration

	// RetryBase and RetryMax bound the backoff between retries of a
	// retryable failure
	RetryBase time.Duration
	RetryMax  time.Duration

	// MaxRetries is how many consecutive retries are scheduled before the
	// daemon waits for the next stale check instead
	MaxRetries int

	// Clock stamps refresh outcomes
	Clock clock.Clock

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:    time.Minute,
		MaxAge:           24 * time.Hour,
		DebounceInterval: 250 * time.Millisecond,
		RetryBase:        2 * time.Second,
		RetryMax:         5 * time.Minute,
		MaxRetries:       8,
		Clock:            clock.System{},
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Outcome describes one refresh attempt made through the daemon.
type Outcome struct {
	RunID    string
	Trigger  string
	Started  time.Time
	Duration time.Duration

	// Err is nil on success, otherwise an *apperr.Error.
	Err error

	// Dropped is set when another refresh was already in flight.
	Dropped bool

	// RetryIn is the delay of the retry scheduled after this failure, or
	// zero if none was scheduled.
	RetryIn time.Duration
}

// OK reports whether the refresh committed.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.Dropped
}

// Notifier receives every refresh outcome.
type Notifier interface {
	RefreshFinished(Outcome)
}

// Daemon keeps the cache fresh in the background.
type Daemon struct {
	repo     usersync.Repository
	config   *Config
	notifier Notifier

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	triggers chan string

	retryMu    sync.Mutex
	retry      backoff
	retryTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon with the default configuration.
//
// Use Start() to begin checking and refreshing.
func New(repo usersync.Repository) (*Daemon, error) {
	return NewWithConfig(repo, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. Zero fields
// take their default.
func NewWithConfig(repo usersync.Repository, config *Config) (*Daemon, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	config = withDefaults(config)

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		repo:        repo,
		config:      config,
		changeQueue: make(map[string]time.Time),
		triggers:    make(chan string, 1),
		retry:       backoff{base: config.RetryBase, max: config.RetryMax},
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func withDefaults(config *Config) *Config {
	def := DefaultConfig()
	if config == nil {
		return def
	}
	c := *config
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = max(def.RetryMax, c.RetryBase)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return &c
}

// SetNotifier registers n to receive refresh outcomes. Call before Start.
func (d *Daemon) SetNotifier(n Notifier) {
	d.notifier = n
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Refresh once if the cache is stale
// 2. Start watching WatchFile, if configured
// 3. Check staleness every CheckInterval and refresh when due
// 4. Retry retryable failures with exponential backoff
//
// This blocks until ctx is cancelled or Stop is called. A failed initial
// refresh is logged, not returned: the cached data stays usable.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// The initial refresh ends on either ctx or Stop.
	startCtx, cancelStart := context.WithCancel(d.ctx)
	unhook := context.AfterFunc(ctx, cancelStart)
	if d.repo.IsStale(startCtx, d.config.MaxAge) {
		d.RefreshNow(startCtx, TriggerStartup)
	} else {
		d.config.Logger.Println("Cache is fresh, skipping initial refresh")
	}
	unhook()
	cancelStart()

	if ctx.Err() != nil {
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	}

	if d.config.WatchFile != "" {
		fw, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := fw.Start(d.config.WatchFile); err != nil {
			_ = fw.Stop()
			return fmt.Errorf("failed to watch users file: %w", err)
		}
		d.watcher = fw
		d.config.Logger.Printf("Watching: %s", d.config.WatchFile)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.runLoop()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		// Signal shutdown
		d.cancel()

		d.retryMu.Lock()
		if d.retryTimer != nil {
			d.retryTimer.Stop()
		}
		d.retryMu.Unlock()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}

		// Wait for goroutines to finish
		d.wg.Wait()

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger queues an asynchronous refresh. Returns false if one is already
// queued.
func (d *Daemon) Trigger(reason string) bool {
	select {
	case d.triggers <- reason:
		return true
	default:
		return false
	}
}

// RefreshNow runs one refresh synchronously and reports the outcome to the
// notifier. A retryable failure schedules a retry. The repository logs under
// the same run id the outcome carries.
func (d *Daemon) RefreshNow(ctx context.Context, trigger string) Outcome {
	out := Outcome{
		RunID:   uuid.NewString(),
		Trigger: trigger,
		Started: d.config.Clock.Now(),
	}

	err := d.repo.Refresh(usersync.WithRunID(ctx, out.RunID))
	out.Duration = d.config.Clock.Now().Sub(out.Started)

	switch {
	case errors.Is(err, usersync.ErrRefreshInFlight):
		out.Dropped = true
		d.config.Logger.Printf("Refresh %s (%s) skipped: already in progress", out.RunID, trigger)

	case err != nil:
		out.Err = err
		if apperr.Retryable(err) {
			out.RetryIn = d.scheduleRetry()
		}
		d.config.Logger.Printf("Refresh %s (%s) failed: %v", out.RunID, trigger, err)

	default:
		d.resetRetry()
		d.config.Logger.Printf("Refresh %s (%s) complete in %v", out.RunID, trigger, out.Duration)
	}

	if d.notifier != nil {
		d.notifier.RefreshFinished(out)
	}
	return out
}

// runLoop serves queued triggers and the periodic stale check.
func (d *Daemon) runLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.repo.IsStale(d.ctx, d.config.MaxAge) {
				d.RefreshNow(d.ctx, TriggerStale)
			}

		case reason := <-d.triggers:
			d.RefreshNow(d.ctx, reason)
		}
	}
}

// scheduleRetry arms the retry timer and returns its delay, or zero once
// MaxRetries consecutive retries have been used.
func (d *Daemon) scheduleRetry() time.Duration {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	if d.ctx.Err() != nil {
		return 0
	}
	if d.retry.Attempts() >= d.config.MaxRetries {
		d.config.Logger.Printf("Giving up after %d retries, waiting for next stale check", d.retry.Attempts())
		d.retry.Reset()
		return 0
	}

	delay := d.retry.Next()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
	}
	d.retryTimer = time.AfterFunc(delay, func() {
		d.Trigger(TriggerRetry)
	})
	return delay
}

func (d *Daemon) resetRetry() {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	d.retry.Reset()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}

// watchFileEvents monitors the users file and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				// Wait for the replacement rather than syncing an absent file.
				continue
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a file change for debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue refreshes once queued changes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takeSettledChanges() {
				d.Trigger(TriggerFileChange)
			}
		}
	}
}

// takeSettledChanges removes changes queued for at least DebounceInterval
// and reports whether there were any.
func (d *Daemon) takeSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	settled := false
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		settled = true
	}
	return settled
}
