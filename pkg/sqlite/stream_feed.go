package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openledger/ledgerstream/pkg/eventlog"
	"github.com/openledger/ledgerstream/pkg/stream"
)

// StreamFeed serves the event log's change stream. The stream is
// partitioned into shards by hashing the aggregate id, so one aggregate's
// events always stay on one shard and arrive in version order. Record
// sequence numbers are the log's position column.
type StreamFeed struct {
	db *sql.DB

	mu     sync.RWMutex
	shards int
}

type streamFeedConfig struct {
	shards int
}

// StreamFeedOption configures a StreamFeed.
type StreamFeedOption func(*streamFeedConfig)

// WithShardCount sets the number of stream shards. Default 4.
func WithShardCount(n int) StreamFeedOption {
	return func(c *streamFeedConfig) {
		c.shards = n
	}
}

// NewStreamFeed creates a change-stream feed over the event log's database.
func NewStreamFeed(db *sql.DB, opts ...StreamFeedOption) *StreamFeed {
	config := streamFeedConfig{shards: 4}
	for _, opt := range opts {
		opt(&config)
	}
	if config.shards < 1 {
		config.shards = 1
	}
	return &StreamFeed{db: db, shards: config.shards}
}

// SetShardCount reshards the stream. Workers on shards beyond the new
// count observe a closed shard and exit; the consumer's periodic
// re-describe picks up any new shards.
func (f *StreamFeed) SetShardCount(n int) {
	if n < 1 {
		n = 1
	}
	f.mu.Lock()
	f.shards = n
	f.mu.Unlock()
}

func (f *StreamFeed) shardCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.shards
}

// DescribeStream lists the current shards.
func (f *StreamFeed) DescribeStream(ctx context.Context) ([]stream.ShardInfo, error) {
	n := f.shardCount()
	shards := make([]stream.ShardInfo, n)
	for i := range shards {
		shards[i] = stream.ShardInfo{ID: shardID(i)}
	}
	return shards, nil
}

func shardID(index int) string {
	return fmt.Sprintf("shard-%04d", index)
}

func shardIndex(id string) (int, error) {
	raw, ok := strings.CutPrefix(id, "shard-")
	if !ok {
		return 0, fmt.Errorf("malformed shard id %q", id)
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed shard id %q", id)
	}
	return index, nil
}

// shardOf maps an aggregate to its shard index.
func shardOf(aggregateID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(shards))
}

// Iterators are "shardID@position" cursors; position is the last scanned
// log position, matched or not, so filtered rows are not rescanned.

func encodeIterator(shard string, position int64) string {
	return fmt.Sprintf("%s@%d", shard, position)
}

func decodeIterator(iterator string) (shard string, position int64, err error) {
	shard, raw, ok := strings.Cut(iterator, "@")
	if !ok {
		return "", 0, fmt.Errorf("malformed iterator %q", iterator)
	}
	position, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed iterator %q", iterator)
	}
	return shard, position, nil
}

// ShardIterator obtains a cursor into one shard.
func (f *StreamFeed) ShardIterator(ctx context.Context, shard string, req stream.IteratorRequest) (string, error) {
	if _, err := shardIndex(shard); err != nil {
		return "", err
	}
	switch req.Kind {
	case stream.IteratorTrimHorizon:
		return encodeIterator(shard, 0), nil
	case stream.IteratorAfterSequence:
		return encodeIterator(shard, req.AfterSequence), nil
	case stream.IteratorLatest:
		var max int64
		err := f.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&max)
		if err != nil {
			return "", &eventlog.TransportError{Op: "latest position", Err: err}
		}
		return encodeIterator(shard, max), nil
	default:
		return "", fmt.Errorf("unknown iterator kind %q", req.Kind)
	}
}

// GetRecords fetches up to limit records for the iterator's shard. Rows
// belonging to other shards advance the cursor without being returned.
// A shard index beyond the current shard count is closed: the call returns
// no records and an empty next iterator.
func (f *StreamFeed) GetRecords(ctx context.Context, iterator string, limit int) ([]stream.Record, string, error) {
	shard, after, err := decodeIterator(iterator)
	if err != nil {
		return nil, "", err
	}
	index, err := shardIndex(shard)
	if err != nil {
		return nil, "", err
	}
	shards := f.shardCount()
	if index >= shards {
		return nil, "", nil
	}
	if limit < 1 {
		limit = 1
	}

	var records []stream.Record
	cursor := after
	for len(records) < limit {
		rows, err := f.db.QueryContext(ctx, `
			SELECT position, event_id, aggregate_id, timestamp, event_data
			FROM events WHERE position > ?
			ORDER BY position ASC
			LIMIT ?
		`, cursor, limit)
		if err != nil {
			return nil, "", &eventlog.TransportError{Op: "get records", Err: err}
		}

		scanned := 0
		for rows.Next() {
			var (
				position int64
				eventID  string
				aggID    string
				ts       int64
				data     []byte
			)
			if err := rows.Scan(&position, &eventID, &aggID, &ts, &data); err != nil {
				rows.Close()
				return nil, "", &eventlog.TransportError{Op: "scan record", Err: err}
			}
			scanned++
			cursor = position
			if shardOf(aggID, shards) != index {
				continue
			}
			records = append(records, stream.Record{
				Kind:      stream.RecordInsert,
				Sequence:  position,
				EventID:   eventID,
				Data:      data,
				Timestamp: time.UnixMilli(ts).UTC(),
			})
			if len(records) == limit {
				break
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, "", &eventlog.TransportError{Op: "get records", Err: err}
		}
		if scanned < limit {
			break
		}
	}

	return records, encodeIterator(shard, cursor), nil
}
