// Package sqlite provides the SQLite-backed event log, its change-stream
// feed, and the shard checkpoint store. Pure Go, no CGo dependencies.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openledger/ledgerstream/pkg/codec"
	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/eventlog"
)

// readPageSize bounds a single stream-read query; ReadStream pages until
// the stream is exhausted.
const readPageSize = 500

// EventLog is a SQLite-based implementation of eventlog.Log. Every row
// carries the canonical encoded event plus the denormalized columns the
// change feed serves. The monotonically increasing position column is the
// change stream's ordering key.
type EventLog struct {
	db *sql.DB
}

type eventLogConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
}

func defaultEventLogConfig() eventLogConfig {
	return eventLogConfig{
		dsn:          "ledgerstream.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventLogOption configures an EventLog.
type EventLogOption func(*eventLogConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventLogOption {
	return func(c *eventLogConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses an in-memory database, for tests.
func WithMemoryDatabase() EventLogOption {
	return func(c *eventLogConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventLogOption {
	return func(c *eventLogConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventLogOption {
	return func(c *eventLogConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Recommended for production;
// not available for :memory: databases.
func WithWALMode(enabled bool) EventLogOption {
	return func(c *eventLogConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending schema migrations on startup.
func WithAutoMigrate(enabled bool) EventLogOption {
	return func(c *eventLogConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventLog opens a SQLite event log.
//
//	log, err := sqlite.NewEventLog(sqlite.WithDSN("/var/lib/ledger/events.db"))
//
//	// In-memory, for tests
//	log, err := sqlite.NewEventLog(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
func NewEventLog(opts ...EventLogOption) (*EventLog, error) {
	config := defaultEventLogConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection; the pool must not grow.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if config.walMode {
		if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &EventLog{db: db}, nil
}

// DB exposes the underlying handle so the change feed and checkpoint store
// can share the database file.
func (l *EventLog) DB() *sql.DB {
	return l.db
}

// Close closes the database.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// AppendAtomic commits the batch in one transaction. The transaction both
// verifies that each aggregate's new versions are consecutive from its
// current highest and relies on the unique indexes on event_id and
// (aggregate_id, version) as the commit-time safeguard against racers.
func (l *EventLog) AppendAtomic(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return eventlog.ErrEmptyBatch
	}

	encoded := make([][]byte, len(events))
	for i, evt := range events {
		data, err := codec.Encode(evt)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &eventlog.TransportError{Op: "begin append", Err: err}
	}
	defer tx.Rollback()

	next := make(map[string]int64)
	for _, evt := range events {
		want, seen := next[evt.AggregateID]
		if !seen {
			current, err := highestVersion(ctx, tx, evt.AggregateID)
			if err != nil {
				return err
			}
			want = current + 1
		}
		if evt.Version != want {
			return eventlog.ErrConflict
		}
		next[evt.AggregateID] = want + 1
	}

	for i, evt := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp, event_data)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, evt.ID, evt.AggregateID, evt.AggregateType, string(evt.Type()), evt.Version, evt.Timestamp.UnixMilli(), encoded[i])
		if err != nil {
			if isConstraintViolation(err) {
				return eventlog.ErrConflict
			}
			return &eventlog.TransportError{Op: "insert event", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return eventlog.ErrConflict
		}
		return &eventlog.TransportError{Op: "commit append", Err: err}
	}
	return nil
}

// ReadStream returns the complete stream in ascending version order,
// paging until exhausted.
func (l *EventLog) ReadStream(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	var events []*domain.Event
	after := int64(0)
	for {
		page, err := l.readPage(ctx, aggregateID, after)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < readPageSize {
			return events, nil
		}
		after = page[len(page)-1].Version
	}
}

func (l *EventLog) readPage(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_data FROM events
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version ASC
		LIMIT ?
	`, aggregateID, afterVersion, readPageSize)
	if err != nil {
		return nil, &eventlog.TransportError{Op: "read stream", Err: err}
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &eventlog.TransportError{Op: "scan stream row", Err: err}
		}
		evt, err := codec.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode stored event for %s: %w", aggregateID, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, &eventlog.TransportError{Op: "read stream", Err: err}
	}
	return events, nil
}

// HighestVersion returns the maximum version for the aggregate, or 0.
func (l *EventLog) HighestVersion(ctx context.Context, aggregateID string) (int64, error) {
	return highestVersion(ctx, l.db, aggregateID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func highestVersion(ctx context.Context, q querier, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?
	`, aggregateID).Scan(&version)
	if err != nil {
		return 0, &eventlog.TransportError{Op: "highest version", Err: err}
	}
	return version, nil
}

// isConstraintViolation reports whether err is a SQLite uniqueness
// violation, which maps to an optimistic-concurrency conflict here.
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
