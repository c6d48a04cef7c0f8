package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/openledger/ledgerstream/pkg/eventlog"
)

// CheckpointStore persists per-shard consumer progress in SQLite. It can
// share the event log's database or use a separate one; either way each
// (consumer, shard) row has a single writer, the shard's worker.
type CheckpointStore struct {
	db *sql.DB
}

type checkpointStoreConfig struct {
	autoMigrate bool
}

// CheckpointStoreOption configures a CheckpointStore.
type CheckpointStoreOption func(*checkpointStoreConfig)

// WithCheckpointAutoMigrate runs pending migrations on startup.
func WithCheckpointAutoMigrate(enabled bool) CheckpointStoreOption {
	return func(c *checkpointStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore creates a checkpoint store on db.
//
//	// Sharing the event log's database
//	checkpoints, err := sqlite.NewCheckpointStore(log.DB())
func NewCheckpointStore(db *sql.DB, opts ...CheckpointStoreOption) (*CheckpointStore, error) {
	config := checkpointStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}
	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			return nil, err
		}
	}
	return &CheckpointStore{db: db}, nil
}

// Save upserts the last processed sequence for a shard.
func (s *CheckpointStore) Save(ctx context.Context, consumer, shardID string, sequence int64, lastEventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_checkpoints (consumer, shard_id, sequence, last_event_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (consumer, shard_id) DO UPDATE SET
			sequence = excluded.sequence,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
	`, consumer, shardID, sequence, lastEventID, time.Now().Unix())
	if err != nil {
		return &eventlog.TransportError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// Load returns the saved sequence for a shard; ok is false if none exists.
func (s *CheckpointStore) Load(ctx context.Context, consumer, shardID string) (int64, bool, error) {
	var sequence int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence FROM shard_checkpoints WHERE consumer = ? AND shard_id = ?
	`, consumer, shardID).Scan(&sequence)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &eventlog.TransportError{Op: "load checkpoint", Err: err}
	}
	return sequence, true, nil
}

// Reset deletes all checkpoints for the consumer.
func (s *CheckpointStore) Reset(ctx context.Context, consumer string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM shard_checkpoints WHERE consumer = ?
	`, consumer)
	if err != nil {
		return &eventlog.TransportError{Op: "reset checkpoints", Err: err}
	}
	return nil
}
