package sync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/remote"
	"github.com/mschirtzinger/usersync/internal/store"
	"github.com/mschirtzinger/usersync/internal/sync"
)

type staticSource struct {
	records []remote.UserRecord
	err     error
}

func (s staticSource) FetchAll(context.Context) ([]remote.UserRecord, error) {
	return s.records, s.err
}

// This example demonstrates a refresh followed by a read of the stream.
func ExampleNew() {
	src := staticSource{records: []remote.UserRecord{
		{ID: 1, Name: "Leanne Graham"},
		{ID: 2, Name: "Ervin Howell"},
	}}
	repo := sync.New(store.NewMemStore(nil), src, nil, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.Refresh(ctx); err != nil {
		log.Fatal(err)
	}

	users := <-repo.Observe(ctx)
	for _, u := range users {
		fmt.Println(u.ID, u.Name)
	}
	fmt.Println("stale:", repo.IsStale(ctx, 24*time.Hour))
	// Output:
	// 2 Ervin Howell
	// 1 Leanne Graham
	// stale: false
}

// This example demonstrates deciding whether to retry a failed refresh.
func ExampleRepository_Refresh() {
	src := staticSource{err: fmt.Errorf("get users: %w", context.DeadlineExceeded)}
	repo := sync.New(store.NewMemStore(nil), src, nil, log.New(io.Discard, "", 0))

	err := repo.Refresh(context.Background())

	var classified *apperr.Error
	if errors.As(err, &classified) {
		fmt.Println("kind:", classified.Kind)
		fmt.Println("retry:", classified.Retryable())
	}
	// Output:
	// kind: timeout
	// retry: true
}
