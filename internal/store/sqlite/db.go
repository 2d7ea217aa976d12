// Package sqlite persists the user cache in an embedded SQLite database.
//
// The database runs in WAL mode so point reads proceed while a replace is
// being written. All writes go through ReplaceAll, which runs in a single
// transaction under the DB's write lock: readers see either the previous set
// or the new one.
//
// Workflow:
//  1. Open creates the file and applies schema migrations.
//  2. The sync repository calls ReplaceAll after each successful fetch.
//  3. Subscribers from Observe receive the new sorted set after commit.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/usersync/internal/clock"
	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - users + sync_meta
const currentSchemaVersion = 1

const metaLastWrite = "last_write"

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("user cache is closed")

// Options configures a DB. The zero value is usable.
type Options struct {
	// Clock stamps last_updated on write (default: system clock)
	Clock clock.Clock

	// Logger for store activity (default: stderr with [store] prefix)
	Logger *log.Logger

	// OnFatal is called when the store cannot produce a snapshot for a
	// subscriber. Such failures are never delivered on the stream.
	// Default: log and exit the process.
	OnFatal func(error)
}

// DB is the SQLite-backed user cache.
type DB struct {
	conn *sql.DB
	path string

	clock   clock.Clock
	logger  *log.Logger
	onFatal func(error)

	// writeMu serializes ReplaceAll and orders subscriptions against it.
	writeMu sync.Mutex
	bcast   *store.Broadcaster
	closed  atomic.Bool
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	cache, err := sqlite.Open(".usersync/cache.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:    conn,
		path:    path,
		clock:   opts.Clock,
		logger:  opts.Logger,
		onFatal: opts.OnFatal,
		bcast:   store.NewBroadcaster(),
	}
	if db.clock == nil {
		db.clock = clock.System{}
	}
	if db.logger == nil {
		db.logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if db.onFatal == nil {
		db.onFatal = func(err error) {
			db.logger.Fatalf("fatal local store error: %v", err)
		}
	}

	if err := applyPragmas(conn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close ends all subscriptions and closes the connection. Safe to call more
// than once; later calls return nil. Afterwards Observe returns a closed
// channel and every other method returns ErrClosed.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	db.writeMu.Lock()
	if db.closed.Swap(true) {
		db.writeMu.Unlock()
		return nil
	}
	db.bcast.Close()
	db.writeMu.Unlock()

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Observe subscribes to the sorted user list. The first value is the current
// contents of the cache.
func (db *DB) Observe(ctx context.Context) <-chan []model.User {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.closed.Load() {
		// The broadcaster is closed, so this channel already is too.
		return db.bcast.SubscribePending(ctx)
	}

	users, err := db.listUsers(ctx)
	if err != nil {
		db.onFatal(fmt.Errorf("load snapshot: %w", err))
		return db.bcast.SubscribePending(ctx)
	}
	return db.bcast.Subscribe(ctx, users)
}

// ReplaceAll deletes every cached user and inserts users in one transaction.
// On any error the transaction is rolled back and the previous set remains.
func (db *DB) ReplaceAll(ctx context.Context, users []model.User) error {
	if err := store.CheckUniqueIDs(users); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.closed.Load() {
		return ErrClosed
	}

	now := db.clock.Now().UnixMilli()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return fmt.Errorf("failed to clear users: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO users (
		id, name, email, phone,
		street, suite, city, zipcode, last_updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		_, err := stmt.ExecContext(ctx,
			u.ID, u.Name, u.Email, u.Phone,
			u.Address.Street, u.Address.Suite, u.Address.City, u.Address.Zipcode,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user %d: %w", u.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaLastWrite, now)
	if err != nil {
		return fmt.Errorf("failed to record write time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// The committed rows are exactly users, so the snapshot is built from
	// them rather than read back.
	sorted := model.CloneUsers(users)
	model.SortUsers(sorted)
	db.bcast.Publish(sorted)

	db.logger.Printf("Replaced cache with %d users", len(users))
	return nil
}

// GetByID retrieves a single user. A missing user returns ok=false and a nil error.
func (db *DB) GetByID(ctx context.Context, id int) (model.User, bool, error) {
	if db.closed.Load() {
		return model.User{}, false, ErrClosed
	}

	query := `
	SELECT id, name, email, phone, street, suite, city, zipcode
	FROM users
	WHERE id = ?
	`

	var u model.User
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone,
		&u.Address.Street, &u.Address.Suite, &u.Address.City, &u.Address.Zipcode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, true, nil
}

// LastUpdated returns the time of the most recent ReplaceAll, or ok=false if
// the cache has never been written.
func (db *DB) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	if db.closed.Load() {
		return time.Time{}, false, ErrClosed
	}
	var ms sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", metaLastWrite).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ms.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last write time: %w", err)
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// GetUserCount returns the number of cached users.
func (db *DB) GetUserCount(ctx context.Context) (int, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get user count: %w", err)
	}
	return count, nil
}

// Records returns every cached row with its write stamp, in Observe order.
func (db *DB) Records(ctx context.Context) ([]store.Record, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, name, email, phone, street, suite, city, zipcode, last_updated
	FROM users
	ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Email, &r.Phone,
			&r.Address.Street, &r.Address.Suite, &r.Address.City, &r.Address.Zipcode,
			&r.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// listUsers loads the full set in Observe order.
func (db *DB) listUsers(ctx context.Context) ([]model.User, error) {
	records, err := db.Records(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(records))
	for _, r := range records {
		users = append(users, r.User)
	}
	return users, nil
}
