package sync

import (
	"context"
	"errors"
	"time"

	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/remote"
)

// ErrRefreshInFlight is returned by Refresh when another refresh is already
// running. The dropped call did not contact the remote.
var ErrRefreshInFlight = errors.New("refresh already in progress")

// LocalStore is the durable user cache the repository reads from and writes to.
//
// Implementations: store.MemStore and sqlite.DB.
type LocalStore interface {
	// Observe returns a stream of the full user list sorted by name, then
	// id. The current set is delivered first and again after every
	// committed write. The channel is closed only when ctx ends or the
	// store is closed.
	Observe(ctx context.Context) <-chan []model.User

	// GetByID looks up a single user. Absence is reported by ok=false.
	GetByID(ctx context.Context, id int) (u model.User, ok bool, err error)

	// ReplaceAll atomically swaps the full contents of the store.
	ReplaceAll(ctx context.Context, users []model.User) error

	// LastUpdated returns the most recent write time, or ok=false if the
	// store has never been written.
	LastUpdated(ctx context.Context) (t time.Time, ok bool, err error)
}

// RemoteSource produces the authoritative user list.
//
// Implementations return raw errors. Classification is done by the
// repository.
type RemoteSource interface {
	FetchAll(ctx context.Context) ([]remote.UserRecord, error)
}

// Repository is the cache-backed view of users.
type Repository interface {
	// Observe passes the local store's stream through unchanged. Refresh
	// failures never interrupt it.
	//
	// Example:
	//   for users := range repo.Observe(ctx) {
	//       render(users)
	//   }
	Observe(ctx context.Context) <-chan []model.User

	// Refresh fetches the remote list and replaces the cache with it.
	//
	// Returns nil once the replace has committed. Any failure is returned
	// as an *apperr.Error and leaves the cache as it was. Returns
	// ErrRefreshInFlight if another refresh is running.
	//
	// Cancelling ctx aborts the fetch. Once the replace has started it
	// runs to completion regardless of ctx.
	Refresh(ctx context.Context) error

	// GetByID reads one user from the cache without contacting the remote.
	// Store faults are returned as *apperr.Error.
	GetByID(ctx context.Context, id int) (model.User, bool, error)

	// IsStale reports whether the cache has never been written or was last
	// written more than maxAge ago. Exactly maxAge old is fresh.
	IsStale(ctx context.Context, maxAge time.Duration) bool

	// Refreshing reports whether a refresh is in flight.
	Refreshing() bool
}
