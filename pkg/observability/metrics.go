// Package observability holds the OTel metric instruments for the ledger
// write path and the projection pipeline.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all metric instruments.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter
	ConflictRetries metric.Int64Counter

	// Event log metrics
	EventsAppended  metric.Int64Counter
	EventLogLatency metric.Float64Histogram

	// Stream metrics
	RecordsFetched    metric.Int64Counter
	RecordsDispatched metric.Int64Counter
	RecordsSkipped    metric.Int64Counter
	CheckpointSaves   metric.Int64Counter

	// Projection metrics
	ProjectionApplies metric.Int64Counter
	ProjectionErrors  metric.Int64Counter
}

// NewNopMetrics returns instruments on a no-op meter.
func NewNopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("ledgerstream"))
	if err != nil {
		panic(err)
	}
	return m
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"ledgerstream.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"ledgerstream.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"ledgerstream.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.ConflictRetries, err = meter.Int64Counter(
		"ledgerstream.command.conflict_retries",
		metric.WithDescription("Append retries after optimistic-concurrency conflicts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.conflict_retries: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"ledgerstream.eventlog.appended",
		metric.WithDescription("Total events appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventlog.appended: %w", err)
	}

	m.EventLogLatency, err = meter.Float64Histogram(
		"ledgerstream.eventlog.latency",
		metric.WithDescription("Event log operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventlog.latency: %w", err)
	}

	m.RecordsFetched, err = meter.Int64Counter(
		"ledgerstream.stream.records_fetched",
		metric.WithDescription("Change-stream records fetched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.records_fetched: %w", err)
	}

	m.RecordsDispatched, err = meter.Int64Counter(
		"ledgerstream.stream.records_dispatched",
		metric.WithDescription("Change-stream records dispatched to the projector"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.records_dispatched: %w", err)
	}

	m.RecordsSkipped, err = meter.Int64Counter(
		"ledgerstream.stream.records_skipped",
		metric.WithDescription("Undecodable or non-insert records skipped"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.records_skipped: %w", err)
	}

	m.CheckpointSaves, err = meter.Int64Counter(
		"ledgerstream.stream.checkpoint_saves",
		metric.WithDescription("Shard checkpoint saves"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.checkpoint_saves: %w", err)
	}

	m.ProjectionApplies, err = meter.Int64Counter(
		"ledgerstream.projection.applies",
		metric.WithDescription("Events applied to a projection target"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.applies: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"ledgerstream.projection.errors",
		metric.WithDescription("Per-target projection failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	return m, nil
}
