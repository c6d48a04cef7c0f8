package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/ledgerstream/pkg/domain"
)

func history(id string, payloads ...domain.Payload) []*domain.Event {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	events := make([]*domain.Event, len(payloads))
	for i, p := range payloads {
		events[i] = &domain.Event{
			ID:            domain.AggregateTypeAccount + "-evt",
			AggregateID:   id,
			AggregateType: domain.AggregateTypeAccount,
			Version:       int64(i) + 1,
			Timestamp:     now.Add(time.Duration(i) * time.Minute),
			Payload:       p,
		}
	}
	return events
}

func TestLoadFromHistory(t *testing.T) {
	t.Run("empty history is a nil aggregate", func(t *testing.T) {
		if acct := domain.LoadFromHistory(nil); acct != nil {
			t.Fatalf("expected nil aggregate, got %+v", acct)
		}
	})

	t.Run("balance equals opening plus deposits minus withdrawals", func(t *testing.T) {
		acct := domain.LoadFromHistory(history("acc-1",
			domain.AccountOpened{
				Holder:         "Ada",
				AccountType:    domain.AccountTypeChecking,
				OpeningBalance: decimal.RequireFromString("100.00"),
				CreatedAt:      time.Now(),
			},
			domain.FundsDeposited{Amount: decimal.RequireFromString("50.25")},
			domain.FundsWithdrawn{Amount: decimal.RequireFromString("30.10")},
			domain.FundsDeposited{Amount: decimal.RequireFromString("0.0001")},
		))
		if acct == nil {
			t.Fatal("expected aggregate")
		}
		want := decimal.RequireFromString("120.1501")
		if !acct.Balance.Equal(want) {
			t.Errorf("balance = %s, want %s", acct.Balance, want)
		}
		if acct.Version != 4 {
			t.Errorf("version = %d, want 4", acct.Version)
		}
		if !acct.Active() {
			t.Error("expected active account")
		}
	})

	t.Run("close marks the aggregate closed", func(t *testing.T) {
		acct := domain.LoadFromHistory(history("acc-1",
			domain.AccountOpened{
				Holder:      "Ada",
				AccountType: domain.AccountTypeSavings,
				CreatedAt:   time.Now(),
			},
			domain.AccountClosed{},
		))
		if acct.Status != domain.AccountStatusClosed {
			t.Errorf("status = %s, want %s", acct.Status, domain.AccountStatusClosed)
		}
		if acct.Active() {
			t.Error("closed account reported active")
		}
	})

	t.Run("replaying the same history yields identical state", func(t *testing.T) {
		events := history("acc-1",
			domain.AccountOpened{
				Holder:         "Ada",
				AccountType:    domain.AccountTypeChecking,
				OpeningBalance: decimal.RequireFromString("10"),
				CreatedAt:      time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
			},
			domain.FundsDeposited{Amount: decimal.RequireFromString("1.5")},
		)
		a := domain.LoadFromHistory(events)
		b := domain.LoadFromHistory(events)
		if !a.Balance.Equal(b.Balance) || a.Version != b.Version || a.Status != b.Status {
			t.Errorf("replay diverged: %+v vs %+v", a, b)
		}
	})
}
