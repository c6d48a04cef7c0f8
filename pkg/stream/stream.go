// Package stream tails the event log's change stream and dispatches
// committed events, in shard order, to a record handler. Delivery is
// at-least-once; handlers must be idempotent.
package stream

import (
	"context"
	"time"
)

// RecordKind classifies a change-stream record. The log is append-only, so
// consumers process inserts and ignore anything else; a modify or remove
// record indicates configuration drift upstream.
type RecordKind string

const (
	RecordInsert RecordKind = "INSERT"
	RecordModify RecordKind = "MODIFY"
	RecordRemove RecordKind = "REMOVE"
)

// Record is one change-stream entry: the canonical encoded event plus its
// shard-local sequence number.
type Record struct {
	Kind RecordKind

	// Sequence orders records within a shard. It is the checkpointable
	// position of this record.
	Sequence int64

	// EventID is the denormalized event identity, usable before decoding.
	EventID string

	// Data is the canonical encoded event (codec wire form).
	Data []byte

	// Timestamp is the commit instant of the underlying event.
	Timestamp time.Time
}

// ShardInfo describes one stream shard.
type ShardInfo struct {
	ID string
}

// IteratorKind selects where a shard cursor starts.
type IteratorKind string

const (
	// IteratorLatest starts after the newest record at subscription time.
	IteratorLatest IteratorKind = "LATEST"

	// IteratorTrimHorizon starts at the oldest retained record.
	IteratorTrimHorizon IteratorKind = "TRIM_HORIZON"

	// IteratorAfterSequence resumes after a persisted sequence number.
	IteratorAfterSequence IteratorKind = "AFTER_SEQUENCE"
)

// IteratorRequest describes the initial cursor position for a shard.
type IteratorRequest struct {
	Kind IteratorKind

	// AfterSequence applies to IteratorAfterSequence only.
	AfterSequence int64
}

// Feed is the change stream attached to the event log. Iterators are
// opaque; a feed returns an empty next iterator when a shard is closed.
type Feed interface {
	// DescribeStream lists the stream's current shards.
	DescribeStream(ctx context.Context) ([]ShardInfo, error)

	// ShardIterator obtains a cursor into one shard.
	ShardIterator(ctx context.Context, shardID string, req IteratorRequest) (string, error)

	// GetRecords fetches up to limit records at the iterator position and
	// returns the iterator for the position after them. An empty next
	// iterator means the shard is closed and the worker should exit.
	GetRecords(ctx context.Context, iterator string, limit int) ([]Record, string, error)
}

// CheckpointStore persists per-shard progress for a named consumer. One
// writer per shard; re-delivery since the last checkpoint is expected on
// restart.
type CheckpointStore interface {
	// Save records the sequence of the last processed record of a shard.
	Save(ctx context.Context, consumer, shardID string, sequence int64, lastEventID string) error

	// Load returns the last saved sequence for a shard. ok is false when
	// no checkpoint exists.
	Load(ctx context.Context, consumer, shardID string) (sequence int64, ok bool, err error)

	// Reset removes all checkpoints for the consumer, forcing the next
	// start to fall back to the configured initial iterator policy.
	Reset(ctx context.Context, consumer string) error
}
