package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/clock"
	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/remote"
)

// repository implements the Repository interface.
type repository struct {
	local  LocalStore
	remote RemoteSource
	clock  clock.Clock
	logger *log.Logger

	inFlight atomic.Bool
}

// New creates a new Repository.
//
// If c is nil the system clock is used. If logger is nil, a default logger
// writing to stderr is used.
//
// Example:
//
//	cache, err := sqlite.Open(".usersync/cache.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//	repo := sync.New(cache, remote.NewHTTPSource(url, 30*time.Second), nil, nil)
func New(local LocalStore, src RemoteSource, c clock.Clock, logger *log.Logger) Repository {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &repository{
		local:  local,
		remote: src,
		clock:  c,
		logger: logger,
	}
}

// Observe implements Repository.Observe.
func (r *repository) Observe(ctx context.Context) <-chan []model.User {
	return r.local.Observe(ctx)
}

// Refresh implements Repository.Refresh.
func (r *repository) Refresh(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer r.inFlight.Store(false)

	runID := RunIDFrom(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	start := r.clock.Now()

	// Fetching
	records, err := r.remote.FetchAll(ctx)
	if err != nil {
		classified := apperr.Classify(err)
		r.logger.Printf("Refresh %s failed during fetch: %v (kind=%s, retryable=%t)",
			runID, err, classified.Kind, classified.Retryable())
		return classified
	}

	users, err := translate(records)
	if err != nil {
		r.logger.Printf("Refresh %s rejected remote data: %v", runID, err)
		return apperr.Classify(err)
	}

	if err := ctx.Err(); err != nil {
		r.logger.Printf("Refresh %s cancelled before commit", runID)
		return apperr.Classify(err)
	}

	// Committing. The write is not tied to the caller's lifetime.
	if err := r.local.ReplaceAll(context.WithoutCancel(ctx), users); err != nil {
		r.logger.Printf("Refresh %s failed to commit: %v", runID, err)
		return apperr.Classify(err)
	}

	r.logger.Printf("Refresh %s committed %d users in %v",
		runID, len(users), r.clock.Now().Sub(start))
	return nil
}

// GetByID implements Repository.GetByID.
func (r *repository) GetByID(ctx context.Context, id int) (model.User, bool, error) {
	u, ok, err := r.local.GetByID(ctx, id)
	if err != nil {
		return model.User{}, false, apperr.Classify(err)
	}
	return u, ok, nil
}

// IsStale implements Repository.IsStale.
func (r *repository) IsStale(ctx context.Context, maxAge time.Duration) bool {
	last, ok, err := r.local.LastUpdated(ctx)
	if err != nil {
		r.logger.Printf("Warning: could not read last write time, treating cache as stale: %v", err)
		return true
	}
	if !ok {
		return true
	}
	age := r.clock.Now().UnixMilli() - last.UnixMilli()
	return age > maxAge.Milliseconds()
}

// Refreshing implements Repository.Refreshing.
func (r *repository) Refreshing() bool {
	return r.inFlight.Load()
}

// translate validates every record and maps it onto model.User. A single bad
// record or a repeated id rejects the whole batch.
func translate(records []remote.UserRecord) ([]model.User, error) {
	users := make([]model.User, 0, len(records))
	seen := make(map[int]struct{}, len(records))

	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("record %d: %w: duplicate id %d", i, remote.ErrInvalidRecord, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		users = append(users, rec.ToUser())
	}
	return users, nil
}
