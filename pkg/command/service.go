// Package command orchestrates the write path: load history, reconstitute,
// validate, append atomically, retry on optimistic-concurrency conflicts.
// The service never writes projections; read-side updates flow through the
// change stream.
package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/eventlog"
	"github.com/openledger/ledgerstream/pkg/idgen"
	"github.com/openledger/ledgerstream/pkg/observability"
	"github.com/openledger/ledgerstream/pkg/runner"
)

const (
	defaultRetryMax    = 3
	defaultCallTimeout = 5 * time.Second
)

// Service executes ledger commands against the event log.
type Service struct {
	log         eventlog.Log
	retryMax    int
	callTimeout time.Duration
	now         func() time.Time
	newEventID  func() string
	logger      runner.Logger
	metrics     *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithRetryMax sets the number of retries after a log conflict. Default 3.
func WithRetryMax(n int) Option {
	return func(s *Service) {
		s.retryMax = n
	}
}

// WithCallTimeout bounds each event log call. Default 5 s.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.callTimeout = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the service logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a command service on the given event log.
func NewService(log eventlog.Log, opts ...Option) *Service {
	s := &Service{
		log:         log,
		retryMax:    defaultRetryMax,
		callTimeout: defaultCallTimeout,
		now:         time.Now,
		newEventID:  func() string { return uuid.NewString() },
		logger:      runner.NewNoopLogger(),
		metrics:     observability.NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenAccount opens a new account. A command without an ID gets a fresh
// sortable one. Returns the reconstituted aggregate including the opening
// event.
func (s *Service) OpenAccount(ctx context.Context, cmd domain.OpenAccount) (*domain.Account, error) {
	if cmd.ID == "" {
		cmd.ID = idgen.NewSortableID()
	}
	events, err := s.executeSingle(ctx, "OpenAccount", cmd)
	if err != nil {
		return nil, err
	}
	return domain.LoadFromHistory(events), nil
}

// Deposit credits an account.
func (s *Service) Deposit(ctx context.Context, cmd domain.Deposit) error {
	_, err := s.executeSingle(ctx, "Deposit", cmd)
	return err
}

// Withdraw debits an account.
func (s *Service) Withdraw(ctx context.Context, cmd domain.Withdraw) error {
	_, err := s.executeSingle(ctx, "Withdraw", cmd)
	return err
}

// Close closes an account with zero balance.
func (s *Service) Close(ctx context.Context, cmd domain.Close) error {
	_, err := s.executeSingle(ctx, "Close", cmd)
	return err
}

// GetAccount reconstitutes the current account state from the log.
// Returns nil when the account has no history.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	events, err := s.readStream(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return domain.LoadFromHistory(events), nil
}

// executeSingle runs one single-aggregate command through the
// load-decide-append loop and returns the aggregate's full history
// including the new events.
func (s *Service) executeSingle(ctx context.Context, name string, cmd domain.Command) ([]*domain.Event, error) {
	start := s.now()
	history, err := s.withConflictRetry(ctx, name, func(ctx context.Context) ([]*domain.Event, error) {
		history, err := s.readStream(ctx, cmd.AccountID())
		if err != nil {
			return nil, err
		}
		acct := domain.LoadFromHistory(history)

		payloads, err := domain.Decide(cmd, acct, s.now())
		if err != nil {
			return nil, err
		}

		var base int64
		if acct != nil {
			base = acct.Version
		}
		batch := s.stamp(cmd.AccountID(), base, payloads)
		if err := s.appendAtomic(ctx, batch); err != nil {
			return nil, err
		}
		return append(history, batch...), nil
	})
	s.observe(ctx, name, start, err)
	return history, err
}

// Transfer moves funds between two accounts. The source withdrawal and
// destination deposit are committed as one atomic batch; partial transfers
// cannot exist.
func (s *Service) Transfer(ctx context.Context, cmd domain.Transfer) error {
	start := s.now()
	_, err := s.withConflictRetry(ctx, "Transfer", func(ctx context.Context) ([]*domain.Event, error) {
		fromHistory, err := s.readStream(ctx, cmd.FromID)
		if err != nil {
			return nil, err
		}
		toHistory, err := s.readStream(ctx, cmd.ToID)
		if err != nil {
			return nil, err
		}
		from := domain.LoadFromHistory(fromHistory)
		to := domain.LoadFromHistory(toHistory)

		withdrawal, deposit, err := domain.DecideTransfer(cmd, from, to)
		if err != nil {
			return nil, err
		}

		batch := s.stamp(cmd.FromID, from.Version, []domain.Payload{withdrawal})
		batch = append(batch, s.stamp(cmd.ToID, to.Version, []domain.Payload{deposit})...)
		if err := s.appendAtomic(ctx, batch); err != nil {
			return nil, err
		}
		return batch, nil
	})
	s.observe(ctx, "Transfer", start, err)
	return err
}

// stamp turns decided payloads into log-ready events: fresh event ids,
// versions continuing the aggregate's history, creation timestamps.
func (s *Service) stamp(aggregateID string, baseVersion int64, payloads []domain.Payload) []*domain.Event {
	events := make([]*domain.Event, len(payloads))
	now := s.now()
	for i, p := range payloads {
		events[i] = &domain.Event{
			ID:            s.newEventID(),
			AggregateID:   aggregateID,
			AggregateType: domain.AggregateTypeAccount,
			Version:       baseVersion + int64(i) + 1,
			Timestamp:     now,
			Payload:       p,
		}
	}
	return events
}

// withConflictRetry re-runs fn from the reconstitution step after log
// conflicts, up to retryMax retries. DomainError and TransportError are
// surfaced verbatim and never retried.
func (s *Service) withConflictRetry(ctx context.Context, name string, fn func(context.Context) ([]*domain.Event, error)) ([]*domain.Event, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retryMax; attempt++ {
		if attempt > 0 {
			s.metrics.ConflictRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
			s.logger.Debug("retrying after conflict", "command", name, "attempt", attempt)
		}
		events, err := fn(ctx)
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, eventlog.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) readStream(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := s.now()
	events, err := s.log.ReadStream(ctx, aggregateID)
	s.metrics.EventLogLatency.Record(ctx, s.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "read")))
	return events, err
}

func (s *Service) appendAtomic(ctx context.Context, events []*domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := s.now()
	err := s.log.AppendAtomic(ctx, events)
	s.metrics.EventLogLatency.Record(ctx, s.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "append")))
	if err != nil {
		return err
	}
	s.metrics.EventsAppended.Add(ctx, int64(len(events)))
	return nil
}

func (s *Service) observe(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("command", name))
	s.metrics.CommandTotal.Add(ctx, 1, attrs)
	s.metrics.CommandDuration.Record(ctx, s.now().Sub(start).Seconds(), attrs)
	if err != nil {
		s.metrics.CommandErrors.Add(ctx, 1, attrs)
	}
}
