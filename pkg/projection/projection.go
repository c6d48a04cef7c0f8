// Package projection applies committed events to the read-optimized
// stores. Delivery is at-least-once, so every target is idempotent:
// re-applying an event is a no-op for already-applied state.
package projection

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/observability"
	"github.com/openledger/ledgerstream/pkg/runner"
)

// TransactionType labels a projected transaction row.
type TransactionType string

const (
	TransactionOpeningDeposit TransactionType = "OPENING_DEPOSIT"
	TransactionDeposit        TransactionType = "DEPOSIT"
	TransactionWithdrawal     TransactionType = "WITHDRAWAL"
)

// ProjectionError reports that one target rejected an update. It never
// halts the stream consumer; the gap closes on the next replay.
type ProjectionError struct {
	Target  string
	EventID string
	Err     error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s: event %s: %v", e.Target, e.EventID, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// Target is one read store fed by the event stream.
type Target interface {
	// Name identifies the target in logs and errors.
	Name() string

	// Apply idempotently applies one event.
	Apply(ctx context.Context, evt *domain.Event) error

	// Reset drops the target's state for a rebuild from the log.
	Reset(ctx context.Context) error
}

// Service fans one event out to every target. Targets are attempted
// independently: a failure in one never prevents the attempt on the
// others. The joined error is returned for the consumer to log.
type Service struct {
	targets []Target
	logger  runner.Logger
	metrics *observability.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger runner.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a projection service over the given targets.
func NewService(targets []Target, opts ...ServiceOption) *Service {
	s := &Service{
		targets: targets,
		logger:  runner.NewNoopLogger(),
		metrics: observability.NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply delivers the event to all targets and joins per-target failures.
func (s *Service) Apply(ctx context.Context, evt *domain.Event) error {
	var errs []error
	for _, target := range s.targets {
		attrs := metric.WithAttributes(attribute.String("target", target.Name()))
		if err := target.Apply(ctx, evt); err != nil {
			perr := &ProjectionError{Target: target.Name(), EventID: evt.ID, Err: err}
			s.metrics.ProjectionErrors.Add(ctx, 1, attrs)
			s.logger.Error("projection target failed",
				"target", target.Name(), "event_id", evt.ID,
				"event_type", string(evt.Type()), "error", err)
			errs = append(errs, perr)
			continue
		}
		s.metrics.ProjectionApplies.Add(ctx, 1, attrs)
	}
	return errors.Join(errs...)
}

// Reset resets every target, for a rebuild from TRIM_HORIZON.
func (s *Service) Reset(ctx context.Context) error {
	for _, target := range s.targets {
		if err := target.Reset(ctx); err != nil {
			return fmt.Errorf("reset %s: %w", target.Name(), err)
		}
	}
	return nil
}
