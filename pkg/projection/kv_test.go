package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/projection"
)

func newKVTarget(t *testing.T) *projection.KVTarget {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return projection.NewKVTarget(client)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func evt(id, accountID string, version int64, payload domain.Payload) *domain.Event {
	return &domain.Event{
		ID:            id,
		AggregateID:   accountID,
		AggregateType: domain.AggregateTypeAccount,
		Version:       version,
		Timestamp:     time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Minute),
		Payload:       payload,
	}
}

func opened(id, accountID string, version int64, balance string) *domain.Event {
	return evt(id, accountID, version, domain.AccountOpened{
		Holder:         "Ada",
		AccountType:    domain.AccountTypeChecking,
		OpeningBalance: dec(balance),
		CreatedAt:      time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	})
}

func TestKVTarget_Apply(t *testing.T) {
	target := newKVTarget(t)
	ctx := context.Background()

	require.NoError(t, target.Apply(ctx, opened("evt-1", "acc-1", 1, "100")))
	require.NoError(t, target.Apply(ctx, evt("evt-2", "acc-1", 2, domain.FundsDeposited{Amount: dec("50.5")})))
	require.NoError(t, target.Apply(ctx, evt("evt-3", "acc-1", 3, domain.FundsWithdrawn{Amount: dec("20")})))

	row, ok, err := target.Balance(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Balance.Equal(dec("130.5")), "balance = %s", row.Balance)
	assert.Equal(t, domain.AccountStatusActive, row.Status)
	assert.Equal(t, "Ada", row.Holder)
	assert.Equal(t, domain.AccountTypeChecking, row.Type)

	txns, err := target.RecentTransactions(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	// Newest first.
	assert.Equal(t, projection.TransactionWithdrawal, txns[0].Type)
	assert.Equal(t, projection.TransactionDeposit, txns[1].Type)
	assert.Equal(t, projection.TransactionOpeningDeposit, txns[2].Type)
	assert.True(t, txns[0].Amount.Equal(dec("20")))

	t.Run("close flips status and keeps the row", func(t *testing.T) {
		require.NoError(t, target.Apply(ctx, evt("evt-4", "acc-1", 4, domain.AccountClosed{})))
		row, ok, err := target.Balance(ctx, "acc-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.AccountStatusClosed, row.Status)
		assert.True(t, row.Balance.Equal(dec("130.5")))
	})

	t.Run("zero opening balance records no transaction", func(t *testing.T) {
		require.NoError(t, target.Apply(ctx, opened("evt-z1", "acc-zero", 1, "0")))
		txns, err := target.RecentTransactions(ctx, "acc-zero", 10)
		require.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("unknown account reads as absent", func(t *testing.T) {
		_, ok, err := target.Balance(ctx, "acc-missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestKVTarget_Idempotent(t *testing.T) {
	target := newKVTarget(t)
	ctx := context.Background()

	deposit := evt("evt-2", "acc-1", 2, domain.FundsDeposited{Amount: dec("25")})

	require.NoError(t, target.Apply(ctx, opened("evt-1", "acc-1", 1, "100")))
	for i := 0; i < 5; i++ {
		require.NoError(t, target.Apply(ctx, deposit))
	}

	row, ok, err := target.Balance(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Balance.Equal(dec("125")), "re-delivery must not double-count; balance = %s", row.Balance)

	txns, err := target.RecentTransactions(ctx, "acc-1", 10)
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	t.Run("stale event after newer state is a no-op", func(t *testing.T) {
		require.NoError(t, target.Apply(ctx, evt("evt-3", "acc-1", 3, domain.FundsWithdrawn{Amount: dec("5")})))
		require.NoError(t, target.Apply(ctx, deposit)) // version 2 again
		row, _, err := target.Balance(ctx, "acc-1")
		require.NoError(t, err)
		assert.True(t, row.Balance.Equal(dec("120")))
	})
}

func TestKVTarget_Reset(t *testing.T) {
	target := newKVTarget(t)
	ctx := context.Background()

	require.NoError(t, target.Apply(ctx, opened("evt-1", "acc-1", 1, "100")))
	require.NoError(t, target.Reset(ctx))

	_, ok, err := target.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, ok)

	txns, err := target.RecentTransactions(ctx, "acc-1", 10)
	require.NoError(t, err)
	assert.Empty(t, txns)
}
