package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/eventlog"
	"github.com/openledger/ledgerstream/pkg/sqlite"
)

func newMemoryLog(t *testing.T) *sqlite.EventLog {
	t.Helper()
	log, err := sqlite.NewEventLog(
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
	)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func openEvent(id, aggregateID string, version int64, balance string) *domain.Event {
	return &domain.Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: domain.AggregateTypeAccount,
		Version:       version,
		Timestamp:     time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Payload: domain.AccountOpened{
			Holder:         "Ada",
			AccountType:    domain.AccountTypeChecking,
			OpeningBalance: decimal.RequireFromString(balance),
			CreatedAt:      time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		},
	}
}

func depositEvent(id, aggregateID string, version int64, amount string) *domain.Event {
	return &domain.Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: domain.AggregateTypeAccount,
		Version:       version,
		Timestamp:     time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Second),
		Payload:       domain.FundsDeposited{Amount: decimal.RequireFromString(amount)},
	}
}

func TestEventLog_AppendAndRead(t *testing.T) {
	log := newMemoryLog(t)
	ctx := context.Background()

	t.Run("append then read returns the stream in version order", func(t *testing.T) {
		batch := []*domain.Event{
			openEvent("evt-1", "acc-1", 1, "100"),
			depositEvent("evt-2", "acc-1", 2, "50"),
			depositEvent("evt-3", "acc-1", 3, "25"),
		}
		if err := log.AppendAtomic(ctx, batch); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		events, err := log.ReadStream(ctx, "acc-1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, evt := range events {
			if evt.Version != int64(i)+1 {
				t.Errorf("event %d: version = %d, want %d", i, evt.Version, i+1)
			}
		}
		if events[0].Type() != domain.EventAccountOpened {
			t.Errorf("first event type = %s, want AccountOpened", events[0].Type())
		}
	})

	t.Run("reading an unknown stream returns empty", func(t *testing.T) {
		events, err := log.ReadStream(ctx, "acc-none")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected empty stream, got %d events", len(events))
		}
	})

	t.Run("highest version tracks the stream head", func(t *testing.T) {
		version, err := log.HighestVersion(ctx, "acc-1")
		if err != nil {
			t.Fatalf("highest version failed: %v", err)
		}
		if version != 3 {
			t.Errorf("highest version = %d, want 3", version)
		}

		version, err = log.HighestVersion(ctx, "acc-none")
		if err != nil {
			t.Fatalf("highest version failed: %v", err)
		}
		if version != 0 {
			t.Errorf("highest version of unknown stream = %d, want 0", version)
		}
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		if err := log.AppendAtomic(ctx, nil); !errors.Is(err, eventlog.ErrEmptyBatch) {
			t.Errorf("expected ErrEmptyBatch, got %v", err)
		}
	})
}

func TestEventLog_Conflicts(t *testing.T) {
	log := newMemoryLog(t)
	ctx := context.Background()

	if err := log.AppendAtomic(ctx, []*domain.Event{openEvent("evt-1", "acc-1", 1, "0")}); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	t.Run("stale expected version conflicts", func(t *testing.T) {
		err := log.AppendAtomic(ctx, []*domain.Event{depositEvent("evt-2", "acc-1", 1, "5")})
		if !errors.Is(err, eventlog.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("version gap conflicts", func(t *testing.T) {
		err := log.AppendAtomic(ctx, []*domain.Event{depositEvent("evt-3", "acc-1", 5, "5")})
		if !errors.Is(err, eventlog.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("duplicate event id conflicts", func(t *testing.T) {
		err := log.AppendAtomic(ctx, []*domain.Event{depositEvent("evt-1", "acc-1", 2, "5")})
		if !errors.Is(err, eventlog.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("conflicting batch leaves no partial writes", func(t *testing.T) {
		before, err := log.ReadStream(ctx, "acc-1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}

		err = log.AppendAtomic(ctx, []*domain.Event{
			depositEvent("evt-4", "acc-1", 2, "5"),
			depositEvent("evt-5", "acc-1", 4, "5"), // gap
		})
		if !errors.Is(err, eventlog.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		after, err := log.ReadStream(ctx, "acc-1")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(after) != len(before) {
			t.Errorf("stream grew from %d to %d despite conflict", len(before), len(after))
		}
	})

	t.Run("multi-aggregate batch commits atomically", func(t *testing.T) {
		batch := []*domain.Event{
			openEvent("evt-a1", "acc-a", 1, "100"),
			openEvent("evt-b1", "acc-b", 1, "0"),
		}
		if err := log.AppendAtomic(ctx, batch); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		transfer := []*domain.Event{
			{
				ID: "evt-a2", AggregateID: "acc-a", AggregateType: domain.AggregateTypeAccount,
				Version: 2, Timestamp: time.Now(),
				Payload: domain.FundsWithdrawn{Amount: decimal.RequireFromString("40")},
			},
			depositEvent("evt-b2", "acc-b", 2, "40"),
		}
		if err := log.AppendAtomic(ctx, transfer); err != nil {
			t.Fatalf("transfer append failed: %v", err)
		}

		for _, id := range []string{"acc-a", "acc-b"} {
			version, err := log.HighestVersion(ctx, id)
			if err != nil {
				t.Fatalf("highest version failed: %v", err)
			}
			if version != 2 {
				t.Errorf("%s highest version = %d, want 2", id, version)
			}
		}
	})
}

func TestEventLog_LargeStreamPaging(t *testing.T) {
	log := newMemoryLog(t)
	ctx := context.Background()

	if err := log.AppendAtomic(ctx, []*domain.Event{openEvent("evt-0", "acc-big", 1, "0")}); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}
	// Spill past one read page.
	const total = 620
	for v := int64(2); v <= total; v++ {
		evt := depositEvent(fmt.Sprintf("evt-%d", v), "acc-big", v, "1")
		if err := log.AppendAtomic(ctx, []*domain.Event{evt}); err != nil {
			t.Fatalf("append version %d failed: %v", v, err)
		}
	}

	events, err := log.ReadStream(ctx, "acc-big")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != total {
		t.Fatalf("expected %d events, got %d", total, len(events))
	}
	for i, evt := range events {
		if evt.Version != int64(i)+1 {
			t.Fatalf("event %d out of order: version %d", i, evt.Version)
		}
	}
}
