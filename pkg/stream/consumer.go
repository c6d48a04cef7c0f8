package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openledger/ledgerstream/pkg/codec"
	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/observability"
	"github.com/openledger/ledgerstream/pkg/runner"
)

// InitPolicy selects where a shard starts when no checkpoint applies.
type InitPolicy string

const (
	// InitLatest starts from the next record after subscription.
	InitLatest InitPolicy = "LATEST"

	// InitTrimHorizon starts from the oldest retained record.
	InitTrimHorizon InitPolicy = "TRIM_HORIZON"

	// InitAfterCheckpoint resumes from the persisted per-shard checkpoint,
	// falling back to TRIM_HORIZON when none exists. Preferred in
	// production.
	InitAfterCheckpoint InitPolicy = "AFTER_CHECKPOINT"
)

// Handler receives each committed event, in shard order, one at a time.
// Errors are logged, not propagated: delivery is at-least-once and the
// handler must be idempotent.
type Handler func(ctx context.Context, evt *domain.Event) error

// shardState is the per-shard worker state machine.
type shardState string

const (
	stateInitializing shardState = "initializing"
	statePolling      shardState = "polling"
	stateRecovering   shardState = "recovering"
)

const (
	defaultPollInterval     = 1 * time.Second
	defaultDescribeInterval = 30 * time.Second
	defaultBatchLimit       = 100
	defaultBackoffMin       = 250 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
)

// Consumer tails the change stream: one worker per shard, records
// dispatched strictly in shard order, progress checkpointed after each
// batch. The consumer absorbs and logs all errors; it never halts the
// read path.
type Consumer struct {
	name        string
	feed        Feed
	handler     Handler
	checkpoints CheckpointStore

	pollInterval     time.Duration
	describeInterval time.Duration
	batchLimit       int
	initPolicy       InitPolicy
	backoffMin       time.Duration
	backoffMax       time.Duration

	logger  runner.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	workers map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithPollInterval sets the sleep between shard polls. Default 1 s.
func WithPollInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pollInterval = d
	}
}

// WithDescribeInterval sets how often the stream is re-described to pick
// up shard membership changes. Default 30 s.
func WithDescribeInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.describeInterval = d
	}
}

// WithBatchLimit sets the max records per fetch. Default 100.
func WithBatchLimit(n int) ConsumerOption {
	return func(c *Consumer) {
		c.batchLimit = n
	}
}

// WithInitPolicy sets the initial iterator policy. Default AFTER_CHECKPOINT.
func WithInitPolicy(p InitPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.initPolicy = p
	}
}

// WithBackoff bounds the recovery backoff between min and max.
func WithBackoff(min, max time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// WithCheckpoints sets the checkpoint store. Without one, progress is not
// persisted and every start follows the init policy.
func WithCheckpoints(store CheckpointStore) ConsumerOption {
	return func(c *Consumer) {
		c.checkpoints = store
	}
}

// WithLogger sets the consumer logger.
func WithLogger(logger runner.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer creates a named consumer over the feed. The name scopes the
// consumer's checkpoints.
func NewConsumer(name string, feed Feed, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:             name,
		feed:             feed,
		handler:          handler,
		pollInterval:     defaultPollInterval,
		describeInterval: defaultDescribeInterval,
		batchLimit:       defaultBatchLimit,
		initPolicy:       InitAfterCheckpoint,
		backoffMin:       defaultBackoffMin,
		backoffMax:       defaultBackoffMax,
		logger:           runner.NewNoopLogger(),
		metrics:          observability.NewNopMetrics(),
		workers:          make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements runner.Service.
func (c *Consumer) Name() string {
	return "stream-consumer/" + c.name
}

// Start discovers the stream's shards, opens one worker per shard, and
// keeps re-describing the stream in the background. Workers stop when
// Stop is called or their shard closes.
func (c *Consumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("consumer %s already started", c.name)
	}
	c.cancel = cancel
	c.mu.Unlock()

	shards, err := c.feed.DescribeStream(ctx)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		return fmt.Errorf("describe stream: %w", err)
	}
	for _, shard := range shards {
		c.startShard(runCtx, shard.ID)
	}

	c.wg.Add(1)
	go c.redescribeLoop(runCtx)
	return nil
}

// Stop signals all workers and waits for them to finish their in-flight
// batches, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer %s: workers did not stop: %w", c.name, ctx.Err())
	}
}

// startShard opens a worker for the shard unless one is already running.
func (c *Consumer) startShard(ctx context.Context, shardID string) {
	c.mu.Lock()
	if c.workers[shardID] {
		c.mu.Unlock()
		return
	}
	c.workers[shardID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.workers, shardID)
			c.mu.Unlock()
		}()
		c.runShard(ctx, shardID)
	}()
}

// redescribeLoop watches for shard membership changes: new shards get
// workers; closed shards end their own workers when the feed returns an
// empty next iterator.
func (c *Consumer) redescribeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.describeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		shards, err := c.feed.DescribeStream(ctx)
		if err != nil {
			c.logger.Error("describe stream failed", "consumer", c.name, "error", err)
			continue
		}
		for _, shard := range shards {
			c.startShard(ctx, shard.ID)
		}
	}
}

// runShard drives one shard's state machine until shutdown or shard close.
func (c *Consumer) runShard(ctx context.Context, shardID string) {
	state := stateInitializing
	backoff := c.backoffMin
	var iterator string

	c.logger.Info("shard worker started", "consumer", c.name, "shard", shardID)
	for {
		if ctx.Err() != nil {
			c.logger.Info("shard worker stopped", "consumer", c.name, "shard", shardID)
			return
		}

		switch state {
		case stateInitializing:
			it, err := c.acquireIterator(ctx, shardID)
			if err != nil {
				c.logger.Error("iterator acquisition failed",
					"consumer", c.name, "shard", shardID, "error", err)
				state = stateRecovering
				continue
			}
			iterator = it
			backoff = c.backoffMin
			state = statePolling

		case statePolling:
			records, next, err := c.feed.GetRecords(ctx, iterator, c.batchLimit)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.logger.Error("record fetch failed",
					"consumer", c.name, "shard", shardID, "error", err)
				state = stateRecovering
				continue
			}
			if next == "" {
				c.logger.Info("shard closed", "consumer", c.name, "shard", shardID)
				return
			}

			// The in-flight batch is always finished, even mid-shutdown.
			batchCtx := context.WithoutCancel(ctx)
			c.metrics.RecordsFetched.Add(batchCtx, int64(len(records)))
			for _, rec := range records {
				c.dispatch(batchCtx, shardID, rec)
			}
			iterator = next
			if len(records) > 0 {
				last := records[len(records)-1]
				c.saveCheckpoint(batchCtx, shardID, last)
			}

			if !sleepCtx(ctx, c.pollInterval) {
				continue
			}

		case stateRecovering:
			if !sleepCtx(ctx, backoff) {
				continue
			}
			backoff *= 2
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
			state = stateInitializing
		}
	}
}

// acquireIterator resumes from the shard's checkpoint when the policy
// allows and one exists, otherwise follows the init policy.
func (c *Consumer) acquireIterator(ctx context.Context, shardID string) (string, error) {
	if c.initPolicy == InitAfterCheckpoint && c.checkpoints != nil {
		sequence, ok, err := c.checkpoints.Load(ctx, c.name, shardID)
		if err != nil {
			return "", err
		}
		if ok {
			return c.feed.ShardIterator(ctx, shardID, IteratorRequest{
				Kind:          IteratorAfterSequence,
				AfterSequence: sequence,
			})
		}
	}

	kind := IteratorTrimHorizon
	if c.initPolicy == InitLatest {
		kind = IteratorLatest
	}
	return c.feed.ShardIterator(ctx, shardID, IteratorRequest{Kind: kind})
}

// dispatch delivers one record to the handler. Non-insert records mean
// upstream configuration drift on an append-only log and are ignored;
// undecodable records are poison and skipped after logging. Handler
// failures are logged and left to stream re-delivery.
func (c *Consumer) dispatch(ctx context.Context, shardID string, rec Record) {
	if rec.Kind != RecordInsert {
		c.metrics.RecordsSkipped.Add(ctx, 1)
		c.logger.Debug("ignoring non-insert record",
			"consumer", c.name, "shard", shardID, "kind", string(rec.Kind), "sequence", rec.Sequence)
		return
	}
	evt, err := codec.Decode(rec.Data)
	if err != nil {
		c.metrics.RecordsSkipped.Add(ctx, 1)
		c.logger.Error("skipping undecodable record",
			"consumer", c.name, "shard", shardID, "sequence", rec.Sequence, "error", err)
		return
	}
	c.metrics.RecordsDispatched.Add(ctx, 1)
	if err := c.handler(ctx, evt); err != nil {
		c.logger.Error("projection handler failed",
			"consumer", c.name, "shard", shardID,
			"event_id", evt.ID, "sequence", rec.Sequence, "error", err)
	}
}

// saveCheckpoint persists the batch's last sequence. Checkpointing happens
// after both projection targets return, regardless of per-target success;
// failed targets catch up on an explicit replay.
func (c *Consumer) saveCheckpoint(ctx context.Context, shardID string, last Record) {
	if c.checkpoints == nil {
		return
	}
	if err := c.checkpoints.Save(ctx, c.name, shardID, last.Sequence, last.EventID); err != nil {
		c.logger.Error("checkpoint save failed",
			"consumer", c.name, "shard", shardID, "sequence", last.Sequence, "error", err)
		return
	}
	c.metrics.CheckpointSaves.Add(ctx, 1)
}

// sleepCtx sleeps for d; returns false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
