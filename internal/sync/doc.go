// Package sync provides the cache-backed user repository.
//
// Overview
//
// The repository reconciles a remote user list with a local cache and
// presents the cache as a continuously observable view. Reads never wait on
// the network: Observe and GetByID are served from the local store, and
// Refresh is the only operation that talks to the remote.
//
// Architecture
//
//	RemoteSource (HTTP or file)
//	     └── FetchAll → []remote.UserRecord
//	                        ↓ validate + translate
//	                    Repository
//	                        ↓ ReplaceAll (atomic)
//	                    LocalStore (memory or SQLite)
//	                        ↓ Observe
//	                    subscribers (CLI, daemon, dashboard)
//
// Failure handling
//
// Every failure leaving the repository is an *apperr.Error. A failed
// Refresh leaves the cache untouched, so subscribers keep seeing the last
// good set while the caller decides whether to retry using
// apperr.Kind.Retryable.
//
// Concurrency
//
// At most one Refresh runs at a time. A call made while another is in
// flight returns ErrRefreshInFlight without contacting the remote. Callers
// that want to avoid the error can check Refreshing first.
//
// Staleness
//
// IsStale compares the store's last write time with a caller-supplied
// maximum age. It is advisory: the repository never refreshes on its own.
// The daemon package uses it to schedule background refreshes.
package sync
