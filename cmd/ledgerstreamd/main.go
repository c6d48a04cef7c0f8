// Command ledgerstreamd runs the projection propagation side of the
// ledger: it tails the event log's change stream and keeps the key-value
// and relational read stores up to date.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openledger/ledgerstream/pkg/observability"
	"github.com/openledger/ledgerstream/pkg/projection"
	"github.com/openledger/ledgerstream/pkg/runner"
	"github.com/openledger/ledgerstream/pkg/sqlite"
	"github.com/openledger/ledgerstream/pkg/stream"
)

func main() {
	var (
		dsn           = flag.String("dsn", envOr("LEDGERSTREAM_DSN", "ledgerstream.db"), "SQLite event log DSN")
		projectionDSN = flag.String("projection-dsn", envOr("LEDGERSTREAM_PROJECTION_DSN", "ledgerstream_projections.db"), "SQLite relational projection DSN")
		redisAddr     = flag.String("redis-addr", envOr("LEDGERSTREAM_REDIS_ADDR", "localhost:6379"), "Redis address for the KV projection")
		consumerName  = flag.String("consumer", envOr("LEDGERSTREAM_CONSUMER", "projections"), "consumer name scoping checkpoints")
		shards        = flag.Int("shards", 4, "change stream shard count")
		pollInterval  = flag.Duration("poll-interval", time.Second, "shard poll interval")
		rebuild       = flag.Bool("rebuild", false, "reset projections and checkpoints, then replay from the oldest record")
	)
	flag.Parse()

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	logger := runner.NewZapLogger(zlog)

	if err := run(logger, *dsn, *projectionDSN, *redisAddr, *consumerName, *shards, *pollInterval, *rebuild); err != nil {
		logger.Error("ledgerstreamd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger runner.Logger, dsn, projectionDSN, redisAddr, consumerName string, shards int, pollInterval time.Duration, rebuild bool) error {
	ctx := context.Background()
	metrics := observability.NewNopMetrics()

	log, err := sqlite.NewEventLog(sqlite.WithDSN(dsn))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer log.Close()

	feed := sqlite.NewStreamFeed(log.DB(), sqlite.WithShardCount(shards))
	checkpoints, err := sqlite.NewCheckpointStore(log.DB())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", redisAddr, err)
	}

	projDB, err := sqlx.Open("sqlite", projectionDSN)
	if err != nil {
		return fmt.Errorf("open projection db: %w", err)
	}
	defer projDB.Close()

	relational, err := projection.NewRelationalTarget(projDB)
	if err != nil {
		return fmt.Errorf("init relational target: %w", err)
	}
	kv := projection.NewKVTarget(rdb)

	projSvc := projection.NewService(
		[]projection.Target{kv, relational},
		projection.WithLogger(logger),
		projection.WithMetrics(metrics),
	)

	initPolicy := stream.InitAfterCheckpoint
	if rebuild {
		logger.Info("rebuilding projections from the oldest record")
		if err := projSvc.Reset(ctx); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
		if err := checkpoints.Reset(ctx, consumerName); err != nil {
			return fmt.Errorf("reset checkpoints: %w", err)
		}
		initPolicy = stream.InitTrimHorizon
	}

	consumer := stream.NewConsumer(consumerName, feed, projSvc.Apply,
		stream.WithCheckpoints(checkpoints),
		stream.WithInitPolicy(initPolicy),
		stream.WithPollInterval(pollInterval),
		stream.WithLogger(logger),
		stream.WithMetrics(metrics),
	)

	r := runner.New([]runner.Service{consumer},
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(30*time.Second),
	)
	return r.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
