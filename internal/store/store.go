// Package store provides the local cache gateway: a reactive, replace-all
// store of users with a freshness timestamp.
//
// Two implementations exist. MemStore, in this package, keeps everything in
// memory and is the reference used by tests and dry runs. The sqlite
// subpackage persists the same contract to disk.
//
// Every implementation guarantees:
//
//   - Observe emits the full current set, sorted by name then id, once on
//     subscribe and again after each committed write.
//   - ReplaceAll is atomic: subscribers see the old set or the new set,
//     never an intermediate one.
//   - LastUpdated is stamped by the store from its own clock at write time.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/usersync/internal/clock"
	"github.com/mschirtzinger/usersync/internal/model"
)

// Record is the persisted shape of a user: the user plus the epoch
// milliseconds at which the store wrote it.
type Record struct {
	model.User
	LastUpdated int64
}

// CheckUniqueIDs returns an error if users contains the same id twice.
func CheckUniqueIDs(users []model.User) error {
	seen := make(map[int]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("duplicate user id %d", u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	return nil
}

// MemStore is an in-memory store.
type MemStore struct {
	mu        sync.RWMutex
	records   map[int]Record
	sorted    []model.User
	lastWrite time.Time
	written   bool

	clock clock.Clock
	bcast *Broadcaster

	// Fault injection for tests.
	writeErr error
	readErr  error
}

// NewMemStore creates an empty store. A nil clock uses the system clock.
func NewMemStore(c clock.Clock) *MemStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemStore{
		records: make(map[int]Record),
		clock:   c,
		bcast:   NewBroadcaster(),
	}
}

// Observe subscribes to the sorted user list.
func (s *MemStore) Observe(ctx context.Context) <-chan []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bcast.Subscribe(ctx, s.sorted)
}

// GetByID returns the user with the given id. A missing user is reported by
// the boolean, not an error.
func (s *MemStore) GetByID(ctx context.Context, id int) (model.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.readErr != nil {
		return model.User{}, false, s.readErr
	}
	rec, ok := s.records[id]
	if !ok {
		return model.User{}, false, nil
	}
	return rec.User, true, nil
}

// ReplaceAll swaps the full contents of the store for users.
func (s *MemStore) ReplaceAll(ctx context.Context, users []model.User) error {
	if err := CheckUniqueIDs(users); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	now := s.clock.Now()
	records := make(map[int]Record, len(users))
	for _, u := range users {
		records[u.ID] = Record{User: u, LastUpdated: now.UnixMilli()}
	}
	sorted := model.CloneUsers(users)
	model.SortUsers(sorted)

	s.records = records
	s.sorted = sorted
	s.lastWrite = now
	s.written = true

	s.bcast.Publish(sorted)
	return nil
}

// LastUpdated returns the time of the most recent write, or false if the
// store has never been written.
func (s *MemStore) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.readErr != nil {
		return time.Time{}, false, s.readErr
	}
	if !s.written {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(s.lastWrite.UnixMilli()), true, nil
}

// Records returns the stored records sorted like Observe.
func (s *MemStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.sorted))
	for _, u := range s.sorted {
		out = append(out, s.records[u.ID])
	}
	return out
}

// FailWrites makes every ReplaceAll return err until called with nil.
func (s *MemStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailReads makes GetByID and LastUpdated return err until called with nil.
func (s *MemStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Close ends all subscriptions.
func (s *MemStore) Close() error {
	s.bcast.Close()
	return nil
}
