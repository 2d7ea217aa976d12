package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	gosync "sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/clock"
	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/remote"
	"github.com/mschirtzinger/usersync/internal/store"
	"github.com/mschirtzinger/usersync/internal/store/sqlite"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var quiet = log.New(io.Discard, "", 0)

// fakeRemote serves canned records or an error and counts calls.
type fakeRemote struct {
	mu      gosync.Mutex
	records []remote.UserRecord
	err     error
	calls   atomic.Int32

	// When set, FetchAll signals started and waits for release or ctx.
	started chan struct{}
	release chan struct{}
}

func (f *fakeRemote) FetchAll(ctx context.Context) ([]remote.UserRecord, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]remote.UserRecord(nil), f.records...), nil
}

func (f *fakeRemote) set(records []remote.UserRecord, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = err
}

func threeRecords() []remote.UserRecord {
	return []remote.UserRecord{
		{ID: 1, Name: "Leanne Graham", Email: "Sincere@april.biz", Phone: "1-770-736-8031",
			Address: remote.AddressRecord{Street: "Kulas Light", Suite: "Apt. 556", City: "Gwenborough", Zipcode: "92998-3874"}},
		{ID: 2, Name: "Ervin Howell", Email: "Shanna@melissa.tv", Phone: "010-692-6593",
			Address: remote.AddressRecord{Street: "Victor Plains", Suite: "Suite 879", City: "Wisokyburgh", Zipcode: "90566-7771"}},
		{ID: 3, Name: "Clementine Bauch", Email: "Nathan@yesenia.net", Phone: "1-463-123-4447",
			Address: remote.AddressRecord{Street: "Douglas Extension", Suite: "Suite 847", City: "McKenziehaven", Zipcode: "59590-4157"}},
	}
}

// storeFactories runs each test against every LocalStore implementation.
var storeFactories = []struct {
	name string
	open func(t *testing.T, c clock.Clock) LocalStore
}{
	{"mem", func(t *testing.T, c clock.Clock) LocalStore {
		s := store.NewMemStore(c)
		t.Cleanup(func() { s.Close() })
		return s
	}},
	{"sqlite", func(t *testing.T, c clock.Clock) LocalStore {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"), &sqlite.Options{
			Clock:   c,
			Logger:  quiet,
			OnFatal: func(err error) { t.Errorf("fatal store error: %v", err) },
		})
		if err != nil {
			t.Fatalf("sqlite.Open() failed: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}},
}

func forEachStore(t *testing.T, fn func(t *testing.T, c *clock.Fake, local LocalStore)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			c := clock.NewFake(testStart)
			fn(t, c, f.open(t, c))
		})
	}
}

// next waits for the next emission on ch.
func next(t *testing.T, ch <-chan []model.User) []model.User {
	t.Helper()
	select {
	case users, ok := <-ch:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return users
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for emission")
		return nil
	}
}

// settle drains ch until no emission arrives for a short while and returns
// the last value seen.
func settle(t *testing.T, ch <-chan []model.User, last []model.User) []model.User {
	t.Helper()
	for {
		select {
		case users, ok := <-ch:
			if !ok {
				t.Fatal("stream closed unexpectedly")
			}
			last = users
		case <-time.After(50 * time.Millisecond):
			return last
		}
	}
}

func names(users []model.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Name)
	}
	return out
}

func TestRefresh_EmptyStoreThreeRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{records: threeRecords()}
		repo := New(local, src, c, quiet)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream := repo.Observe(ctx)
		if got := next(t, stream); len(got) != 0 {
			t.Fatalf("initial emission = %v, want empty", got)
		}

		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}

		want := []string{"Clementine Bauch", "Ervin Howell", "Leanne Graham"}
		if got := names(next(t, stream)); !reflect.DeepEqual(got, want) {
			t.Errorf("emitted %v, want %v", got, want)
		}
	})
}

func TestRefresh_IsFullReplace(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{records: threeRecords()}
		repo := New(local, src, c, quiet)
		ctx := context.Background()

		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		src.set([]remote.UserRecord{{ID: 9, Name: "Glenna Reichert"}}, nil)
		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("second Refresh() failed: %v", err)
		}

		obsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		got := next(t, repo.Observe(obsCtx))
		if len(got) != 1 || got[0].ID != 9 {
			t.Errorf("after replace got %+v, want only user 9", got)
		}
		if _, ok, _ := repo.GetByID(ctx, 1); ok {
			t.Error("user 1 survived a refresh that did not include it")
		}
	})
}

func TestRefresh_ConnectionErrorKeepsCache(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{records: threeRecords()}
		repo := New(local, src, c, quiet)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		stream := repo.Observe(ctx)
		before := settle(t, stream, next(t, stream))

		refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		src.set(nil, refused)

		err := repo.Refresh(ctx)
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			t.Fatalf("Refresh() error = %v, want *apperr.Error", err)
		}
		if classified.Kind != apperr.KindNetworkUnavailable || !classified.Retryable() {
			t.Errorf("Refresh() error kind = %v retryable=%t, want network_unavailable retryable",
				classified.Kind, classified.Retryable())
		}
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Error("classified error lost its cause")
		}

		after := settle(t, stream, before)
		if !reflect.DeepEqual(after, before) {
			t.Errorf("cache changed after failed refresh: %v -> %v", names(before), names(after))
		}
		if got := names(next(t, repo.Observe(ctx))); len(got) != 3 {
			t.Errorf("new subscriber sees %v, want the original 3 users", got)
		}
	})
}

func TestRefresh_MalformedRecordFailsWholeRefresh(t *testing.T) {
	tests := []struct {
		name    string
		records []remote.UserRecord
	}{
		{"missing name", append(threeRecords(), remote.UserRecord{ID: 4})},
		{"zero id", append(threeRecords(), remote.UserRecord{Name: "Patricia Lebsack"})},
		{"duplicate id", append(threeRecords(), remote.UserRecord{ID: 2, Name: "Chelsey Dietrich"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
				src := &fakeRemote{records: []remote.UserRecord{{ID: 10, Name: "Clementina DuBuque"}}}
				repo := New(local, src, c, quiet)
				ctx := context.Background()
				if err := repo.Refresh(ctx); err != nil {
					t.Fatalf("Refresh() failed: %v", err)
				}

				src.set(tt.records, nil)
				err := repo.Refresh(ctx)
				if kind := apperr.KindOf(err); err == nil || kind != apperr.KindUnknown {
					t.Fatalf("Refresh() error = %v (kind %v), want unknown", err, kind)
				}
				if !errors.Is(err, remote.ErrInvalidRecord) {
					t.Errorf("Refresh() error %v does not wrap ErrInvalidRecord", err)
				}
				if _, ok, _ := repo.GetByID(ctx, 10); !ok {
					t.Error("previous cache was discarded by a rejected refresh")
				}
			})
		})
	}
}

func TestRefresh_StoreFailureIsClassified(t *testing.T) {
	c := clock.NewFake(testStart)
	local := store.NewMemStore(c)
	repo := New(local, &fakeRemote{records: threeRecords()}, c, quiet)

	local.FailWrites(errors.New("disk I/O error"))
	err := repo.Refresh(context.Background())
	if kind := apperr.KindOf(err); err == nil || kind != apperr.KindUnknown {
		t.Fatalf("Refresh() error = %v, want unknown", err)
	}
	if apperr.Retryable(err) {
		t.Error("store failure should not be retryable")
	}
	if !repo.IsStale(context.Background(), time.Hour) {
		t.Error("failed write should not mark the cache fresh")
	}
}

func TestRefresh_ConcurrentCallIsDropped(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{
			records: threeRecords(),
			started: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		repo := New(local, src, c, quiet)
		ctx := context.Background()

		first := make(chan error, 1)
		go func() { first <- repo.Refresh(ctx) }()

		<-src.started
		if !repo.Refreshing() {
			t.Error("Refreshing() = false while a refresh is in flight")
		}

		if err := repo.Refresh(ctx); !errors.Is(err, ErrRefreshInFlight) {
			t.Errorf("second Refresh() = %v, want ErrRefreshInFlight", err)
		}

		close(src.release)
		if err := <-first; err != nil {
			t.Fatalf("first Refresh() failed: %v", err)
		}
		if n := src.calls.Load(); n != 1 {
			t.Errorf("remote fetched %d times, want 1", n)
		}
		if repo.Refreshing() {
			t.Error("Refreshing() = true after refresh returned")
		}
	})
}

func TestRefresh_ManyConcurrentCallersFetchOnce(t *testing.T) {
	src := &fakeRemote{
		records: threeRecords(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	repo := New(store.NewMemStore(nil), src, nil, quiet)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- repo.Refresh(ctx) }()
	<-src.started

	var wg gosync.WaitGroup
	var dropped atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(repo.Refresh(ctx), ErrRefreshInFlight) {
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()
	close(src.release)

	if err := <-first; err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if dropped.Load() != 16 {
		t.Errorf("dropped = %d, want 16", dropped.Load())
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("remote fetched %d times, want 1", n)
	}
}

func TestRefresh_CancelDuringFetch(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{
			records: threeRecords(),
			started: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		repo := New(local, src, c, quiet)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- repo.Refresh(ctx) }()

		<-src.started
		cancel()

		err := <-done
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Refresh() error = %v, want wrapped context.Canceled", err)
		}
		if _, ok := err.(*apperr.Error); !ok {
			t.Errorf("Refresh() error type = %T, want *apperr.Error", err)
		}
		if !repo.IsStale(context.Background(), time.Hour) {
			t.Error("cancelled refresh wrote to the cache")
		}
	})
}

func TestRefresh_TimeoutIsRetryable(t *testing.T) {
	src := &fakeRemote{err: fmt.Errorf("get users: %w", context.DeadlineExceeded)}
	repo := New(store.NewMemStore(nil), src, nil, quiet)

	err := repo.Refresh(context.Background())
	if apperr.KindOf(err) != apperr.KindTimeout || !apperr.Retryable(err) {
		t.Errorf("Refresh() = %v, want retryable timeout", err)
	}
}

// cancellingStore cancels the caller's context as the write begins.
type cancellingStore struct {
	LocalStore
	cancel context.CancelFunc
}

func (s *cancellingStore) ReplaceAll(ctx context.Context, users []model.User) error {
	s.cancel()
	return s.LocalStore.ReplaceAll(ctx, users)
}

func TestRefresh_CommitSurvivesCallerCancellation(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		repo := New(&cancellingStore{LocalStore: local, cancel: cancel}, &fakeRemote{records: threeRecords()}, c, quiet)
		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		if _, ok, _ := repo.GetByID(context.Background(), 3); !ok {
			t.Error("commit did not complete after caller cancelled")
		}
	})
}

func TestRefresh_MalformedPayloadKeepsCache(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"null", "null"},
		{"truncated", `[{"id":1,"name":"Ann"`},
		{"object", `{"users": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
				good, err := json.Marshal(threeRecords())
				if err != nil {
					t.Fatal(err)
				}
				var body atomic.Pointer[string]
				first := string(good)
				body.Store(&first)

				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprint(w, *body.Load())
				}))
				defer srv.Close()

				repo := New(local, remote.NewHTTPSource(srv.URL, time.Second), c, quiet)
				ctx := context.Background()
				if err := repo.Refresh(ctx); err != nil {
					t.Fatalf("Refresh() failed: %v", err)
				}

				bad := tt.body
				body.Store(&bad)
				err = repo.Refresh(ctx)
				if kind := apperr.KindOf(err); err == nil || kind != apperr.KindUnknown {
					t.Fatalf("Refresh() error = %v (kind %v), want unknown", err, kind)
				}
				if apperr.Retryable(err) {
					t.Error("a malformed body must not be retryable")
				}
				if got := names(next(t, repo.Observe(ctx))); len(got) != 3 {
					t.Errorf("cache holds %v, want the original 3 users", got)
				}
			})
		})
	}
}

func TestRefresh_TruncatedFileIsUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		path := filepath.Join(t.TempDir(), "users.json")
		if err := remote.WriteFile(path, threeRecords()); err != nil {
			t.Fatal(err)
		}
		repo := New(local, remote.NewFileSource(path), c, quiet)
		ctx := context.Background()
		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}

		if err := os.WriteFile(path, []byte(`[{"id":1,"name":"Ann"`), 0600); err != nil {
			t.Fatal(err)
		}
		err := repo.Refresh(ctx)
		if kind := apperr.KindOf(err); kind != apperr.KindUnknown || apperr.Retryable(err) {
			t.Errorf("Refresh() error = %v (kind %v), want non-retryable unknown", err, kind)
		}
		if !errors.Is(err, remote.ErrMalformed) {
			t.Errorf("Refresh() error %v does not wrap ErrMalformed", err)
		}
		if _, ok, _ := repo.GetByID(ctx, 3); !ok {
			t.Error("previous cache was discarded by a truncated file")
		}
	})
}

func TestRefresh_LogsRunIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	src := &fakeRemote{records: threeRecords()}
	repo := New(store.NewMemStore(nil), src, nil, logger)
	if err := repo.Refresh(WithRunID(context.Background(), "run-7f3a")); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Refresh run-7f3a committed 3 users") {
		t.Errorf("log = %q, want the context run id", buf.String())
	}

	buf.Reset()
	src.set(nil, syscall.ECONNRESET)
	_ = repo.Refresh(WithRunID(context.Background(), "run-9b01"))
	if !strings.Contains(buf.String(), "Refresh run-9b01 failed during fetch") {
		t.Errorf("log = %q, want the context run id", buf.String())
	}
}

func TestRunIDFrom_Unset(t *testing.T) {
	if got := RunIDFrom(context.Background()); got != "" {
		t.Errorf("RunIDFrom() = %q, want empty", got)
	}
}

func TestGetByID(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		repo := New(local, &fakeRemote{records: threeRecords()}, c, quiet)
		ctx := context.Background()

		// Empty store: not found is not a failure.
		u, ok, err := repo.GetByID(ctx, 42)
		if err != nil || ok {
			t.Fatalf("GetByID(42) = %+v, %v, %v; want not found", u, ok, err)
		}

		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		u, ok, err = repo.GetByID(ctx, 2)
		if err != nil || !ok {
			t.Fatalf("GetByID(2) = %v, %v", ok, err)
		}
		if u.Address.FullAddress() != "Victor Plains, Suite 879, Wisokyburgh 90566-7771" {
			t.Errorf("FullAddress() = %q", u.Address.FullAddress())
		}
	})
}

func TestGetByID_StoreFaultIsClassified(t *testing.T) {
	local := store.NewMemStore(nil)
	local.FailReads(errors.New("database disk image is malformed"))
	repo := New(local, &fakeRemote{}, nil, quiet)

	_, _, err := repo.GetByID(context.Background(), 1)
	var classified *apperr.Error
	if !errors.As(err, &classified) || classified.Kind != apperr.KindUnknown {
		t.Fatalf("GetByID() error = %v, want classified unknown", err)
	}
	if classified.Detail != "database disk image is malformed" {
		t.Errorf("Detail = %q", classified.Detail)
	}
}

func TestIsStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		repo := New(local, &fakeRemote{records: threeRecords()}, c, quiet)
		ctx := context.Background()
		maxAge := 24 * time.Hour

		if !repo.IsStale(ctx, maxAge) {
			t.Error("never written cache should be stale")
		}

		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}

		tests := []struct {
			name    string
			advance time.Duration
			want    bool
		}{
			{"just written", 0, false},
			{"one ms before max age", maxAge - time.Millisecond, false},
			{"exactly max age", time.Millisecond, false},
			{"one ms past max age", time.Millisecond, true},
		}
		for _, tt := range tests {
			c.Advance(tt.advance)
			if got := repo.IsStale(ctx, maxAge); got != tt.want {
				t.Errorf("%s: IsStale() = %v, want %v", tt.name, got, tt.want)
			}
		}
	})
}

func TestIsStale_EmptyRefreshCountsAsWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		repo := New(local, &fakeRemote{}, c, quiet)
		if err := repo.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		if repo.IsStale(context.Background(), time.Minute) {
			t.Error("a successful empty refresh should leave the cache fresh")
		}
	})
}

func TestIsStale_ReadFaultIsStale(t *testing.T) {
	c := clock.NewFake(testStart)
	local := store.NewMemStore(c)
	repo := New(local, &fakeRemote{records: threeRecords()}, c, quiet)
	if err := repo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	local.FailReads(errors.New("read failed"))
	if !repo.IsStale(context.Background(), time.Hour) {
		t.Error("unreadable timestamp should count as stale")
	}
}

func TestObserve_SurvivesFailedRefreshes(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		src := &fakeRemote{err: errors.New("boom")}
		repo := New(local, src, c, quiet)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream := repo.Observe(ctx)
		next(t, stream)

		for i := 0; i < 3; i++ {
			if err := repo.Refresh(ctx); err == nil {
				t.Fatal("Refresh() should fail")
			}
		}

		src.set(threeRecords(), nil)
		if err := repo.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() failed: %v", err)
		}
		if got := next(t, stream); len(got) != 3 {
			t.Errorf("stream emitted %d users after recovery, want 3", len(got))
		}
	})
}

func TestObserve_EndsWithSubscriberContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, c *clock.Fake, local LocalStore) {
		repo := New(local, &fakeRemote{}, c, quiet)
		ctx, cancel := context.WithCancel(context.Background())

		stream := repo.Observe(ctx)
		next(t, stream)
		cancel()

		select {
		case _, ok := <-stream:
			if ok {
				t.Error("expected stream to close after cancel")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not close after cancel")
		}
	})
}
