// Package daemon keeps the user cache fresh in the background.
//
// # Overview
//
// The repository itself never refreshes on its own; staleness is advisory.
// The daemon is the caller that acts on it:
//
//	         ┌──────────────┐
//	ticker ─►│  IsStale?    │──yes──┐
//	         └──────────────┘       │
//	fsnotify ─► debounce queue ─────┤
//	retry timer ────────────────────┤
//	                                ▼
//	                        Repository.Refresh
//	                                │
//	                                ▼
//	                          Notifier (dashboard)
//
// # Refresh triggers
//
//   - startup: once, if the cache is stale when Start is called
//   - stale: the periodic check found the cache older than MaxAge
//   - file_change: the watched users file was written or replaced
//   - retry: a retryable failure (network or timeout) is retried with
//     exponential backoff, up to MaxRetries times in a row
//   - manual: requested by a caller such as the dashboard
//
// Non-retryable failures (offline, unknown) are not retried; the next
// stale check tries again.
//
// # Concurrency
//
// All triggers funnel into one run loop, so the daemon issues at most one
// refresh at a time on its own. RefreshNow may also be called directly from
// other goroutines; the repository's in-flight guard drops any overlap and
// the outcome is reported with Dropped set.
//
// # Usage
//
//	cfg := daemon.DefaultConfig()
//	cfg.MaxAge = 24 * time.Hour
//	cfg.WatchFile = "users.json"
//	d, err := daemon.NewWithConfig(repo, cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
