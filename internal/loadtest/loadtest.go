// Package loadtest exercises the SQLite user cache under concurrent access.
//
// Readers query the cache while refreshes replace the whole user set. Every
// read must observe exactly one complete generation of users: never a mix of
// two refreshes and never a partial set.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/remote"
	"github.com/mschirtzinger/usersync/internal/store/sqlite"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

// TestCache is a populated cache wired to a generating remote.
type TestCache struct {
	DB       *sqlite.DB
	Repo     usersync.Repository
	NumUsers int

	source *generatingSource
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// generatingSource returns a fresh generation of numUsers users on every
// fetch. The generation number is stored in each user's suite.
type generatingSource struct {
	numUsers   int
	generation atomic.Int64
}

func (s *generatingSource) FetchAll(ctx context.Context) ([]remote.UserRecord, error) {
	gen := s.generation.Add(1)
	return generateUsers(s.numUsers, gen), nil
}

// CreateTestCache opens a cache at dbPath and commits one generation of
// numUsers users.
func CreateTestCache(dbPath string, numUsers int) (*TestCache, error) {
	quiet := log.New(io.Discard, "", 0)

	cache, err := sqlite.Open(dbPath, &sqlite.Options{Logger: quiet})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	// Readers plus one writer
	cache.RawDB().SetMaxOpenConns(64)
	cache.RawDB().SetMaxIdleConns(32)

	src := &generatingSource{numUsers: numUsers}
	tc := &TestCache{
		DB:       cache,
		Repo:     usersync.New(cache, src, nil, quiet),
		NumUsers: numUsers,
		source:   src,
	}

	if err := tc.Repo.Refresh(context.Background()); err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("failed to populate cache: %w", err)
	}
	return tc, nil
}

// Close closes the cache.
func (tc *TestCache) Close() error {
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// Generation returns the number of generations fetched so far.
func (tc *TestCache) Generation() int64 {
	return tc.source.generation.Load()
}

// RunConcurrentLookups runs numReaders goroutines, each performing
// lookupsPerReader GetByID calls on random ids, and reports their latency.
func (tc *TestCache) RunConcurrentLookups(numReaders, lookupsPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(readerID)))
			durations := make([]time.Duration, 0, lookupsPerReader)
			ctx := context.Background()

			for j := 0; j < lookupsPerReader; j++ {
				id := rng.Intn(tc.NumUsers) + 1

				start := time.Now()
				_, ok, err := tc.Repo.GetByID(ctx, id)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("reader %d lookup %d failed: %w", readerID, j, err)
					return
				}
				if !ok {
					errorsChan <- fmt.Errorf("reader %d: user %d missing", readerID, id)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no successful lookups completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyNoTornReads runs numReaders goroutines that read the full user set
// while refreshes replace it, until duration elapses. It fails if any read
// sees a partial set or users from more than one generation.
//
// It returns the number of refreshes committed during the run.
func (tc *TestCache) VerifyNoTornReads(numReaders int, duration time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+2)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()
			for ctx.Err() == nil {
				records, err := tc.DB.Records(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d read failed: %w", readerID, err)
					}
					return
				}
				users := make([]model.User, len(records))
				for j, r := range records {
					users[j] = r.User
				}
				if err := tc.checkSnapshot(users); err != nil {
					errorsChan <- fmt.Errorf("reader %d: %w", readerID, err)
					return
				}
			}
		}(i)
	}

	// A subscriber checks every emission the same way.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for users := range tc.Repo.Observe(ctx) {
			if err := tc.checkSnapshot(users); err != nil {
				errorsChan <- fmt.Errorf("observer: %w", err)
				return
			}
		}
	}()

	var refreshes int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			err := tc.Repo.Refresh(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errorsChan <- fmt.Errorf("refresh failed: %w", err)
				}
				return
			}
			refreshes++
		}
	}()

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		return refreshes, err
	}
	return refreshes, nil
}

// checkSnapshot verifies that users is one complete generation.
func (tc *TestCache) checkSnapshot(users []model.User) error {
	if len(users) != tc.NumUsers {
		return fmt.Errorf("torn read: got %d users, want %d", len(users), tc.NumUsers)
	}
	gen := users[0].Address.Suite
	for _, u := range users {
		if u.Address.Suite != gen {
			return fmt.Errorf("torn read: user %d from %q mixed with %q", u.ID, u.Address.Suite, gen)
		}
	}
	return nil
}

// generateUsers creates count users tagged with gen.
func generateUsers(count int, gen int64) []remote.UserRecord {
	cities := []string{"Gwenborough", "Wisokyburgh", "McKenziehaven", "South Elvis", "Roscoeview"}

	records := make([]remote.UserRecord, count)
	for i := 0; i < count; i++ {
		id := i + 1
		records[i] = remote.UserRecord{
			ID:    id,
			Name:  fmt.Sprintf("User %05d", id),
			Email: fmt.Sprintf("user%05d@example.org", id),
			Phone: fmt.Sprintf("555-%04d", id%10000),
			Address: remote.AddressRecord{
				Street:  fmt.Sprintf("%d Main St", id),
				Suite:   fmt.Sprintf("Gen %d", gen),
				City:    cities[i%len(cities)],
				Zipcode: fmt.Sprintf("%05d", id%100000),
			},
		}
	}
	return records
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
