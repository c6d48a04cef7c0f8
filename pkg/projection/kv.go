package projection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openledger/ledgerstream/pkg/domain"
)

// Key layout of the KV projection:
//
//	account_balance:<account_id>      hash: balance, status, holder, type, last_updated, version
//	transaction_history:<event_id>    hash: account_id, transaction_type, amount, timestamp
//	account_transactions:<account_id> zset: score = event timestamp ms, member = event id
const (
	balancePrefix  = "account_balance:"
	txnPrefix      = "transaction_history:"
	txnIndexPrefix = "account_transactions:"
)

// KVTarget maintains the key-value projection: one balance row per account
// plus a per-account transaction index for "recent transactions, newest
// first" lookups.
//
// Idempotency: the balance row stores the last applied event version; an
// event at or below it is a no-op. Transaction rows key on the event id,
// so a re-written row is identical.
type KVTarget struct {
	client redis.UniversalClient
}

// NewKVTarget creates the KV projection target on the given Redis client.
func NewKVTarget(client redis.UniversalClient) *KVTarget {
	return &KVTarget{client: client}
}

// Name implements Target.
func (t *KVTarget) Name() string {
	return "kv"
}

// Apply implements Target.
func (t *KVTarget) Apply(ctx context.Context, evt *domain.Event) error {
	stored, exists, err := t.appliedVersion(ctx, evt.AggregateID)
	if err != nil {
		return err
	}
	if exists && evt.Version <= stored {
		return nil
	}

	switch p := evt.Payload.(type) {
	case domain.AccountOpened:
		return t.applyOpened(ctx, evt, p)
	case domain.FundsDeposited:
		return t.applyMovement(ctx, evt, p.Amount, TransactionDeposit)
	case domain.FundsWithdrawn:
		return t.applyMovement(ctx, evt, p.Amount.Neg(), TransactionWithdrawal)
	case domain.AccountClosed:
		return t.applyClosed(ctx, evt)
	default:
		return fmt.Errorf("unknown payload type %T", evt.Payload)
	}
}

func (t *KVTarget) appliedVersion(ctx context.Context, accountID string) (int64, bool, error) {
	raw, err := t.client.HGet(ctx, balancePrefix+accountID, "version").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read applied version: %w", err)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse applied version %q: %w", raw, err)
	}
	return version, true, nil
}

func (t *KVTarget) applyOpened(ctx context.Context, evt *domain.Event, p domain.AccountOpened) error {
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, balancePrefix+evt.AggregateID, map[string]any{
		"balance":      p.OpeningBalance.StringFixed(4),
		"status":       string(domain.AccountStatusActive),
		"holder":       p.Holder,
		"type":         string(p.AccountType),
		"last_updated": evt.Timestamp.UnixMilli(),
		"version":      evt.Version,
	})
	if p.OpeningBalance.IsPositive() {
		t.recordTransaction(ctx, pipe, evt, p.OpeningBalance, TransactionOpeningDeposit)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply AccountOpened: %w", err)
	}
	return nil
}

// applyMovement adjusts the balance by delta and appends the transaction
// row. The new balance is derived from the projected pre-state read; the
// version guard in Apply prevents double-counting on re-delivery.
func (t *KVTarget) applyMovement(ctx context.Context, evt *domain.Event, delta decimal.Decimal, txnType TransactionType) error {
	raw, err := t.client.HGet(ctx, balancePrefix+evt.AggregateID, "balance").Result()
	if err == redis.Nil {
		return fmt.Errorf("account %s has no balance row", evt.AggregateID)
	}
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse balance %q: %w", raw, err)
	}

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, balancePrefix+evt.AggregateID, map[string]any{
		"balance":      balance.Add(delta).StringFixed(4),
		"last_updated": evt.Timestamp.UnixMilli(),
		"version":      evt.Version,
	})
	t.recordTransaction(ctx, pipe, evt, delta.Abs(), txnType)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply %s: %w", txnType, err)
	}
	return nil
}

func (t *KVTarget) applyClosed(ctx context.Context, evt *domain.Event) error {
	err := t.client.HSet(ctx, balancePrefix+evt.AggregateID, map[string]any{
		"status":       string(domain.AccountStatusClosed),
		"last_updated": evt.Timestamp.UnixMilli(),
		"version":      evt.Version,
	}).Err()
	if err != nil {
		return fmt.Errorf("apply AccountClosed: %w", err)
	}
	return nil
}

func (t *KVTarget) recordTransaction(ctx context.Context, pipe redis.Pipeliner, evt *domain.Event, amount decimal.Decimal, txnType TransactionType) {
	pipe.HSet(ctx, txnPrefix+evt.ID, map[string]any{
		"account_id":       evt.AggregateID,
		"transaction_type": string(txnType),
		"amount":           amount.StringFixed(4),
		"timestamp":        evt.Timestamp.UnixMilli(),
	})
	pipe.ZAdd(ctx, txnIndexPrefix+evt.AggregateID, redis.Z{
		Score:  float64(evt.Timestamp.UnixMilli()),
		Member: evt.ID,
	})
}

// Reset drops all projection keys.
func (t *KVTarget) Reset(ctx context.Context) error {
	for _, pattern := range []string{balancePrefix + "*", txnPrefix + "*", txnIndexPrefix + "*"} {
		iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("reset kv projection: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("reset kv projection: %w", err)
		}
	}
	return nil
}

// BalanceRow is the projected per-account state.
type BalanceRow struct {
	AccountID   string
	Balance     decimal.Decimal
	Status      domain.AccountStatus
	Holder      string
	Type        domain.AccountType
	LastUpdated time.Time
}

// Balance returns the projected account row. ok is false when the account
// has not been projected yet.
func (t *KVTarget) Balance(ctx context.Context, accountID string) (*BalanceRow, bool, error) {
	fields, err := t.client.HGetAll(ctx, balancePrefix+accountID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read balance row: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	balance, err := decimal.NewFromString(fields["balance"])
	if err != nil {
		return nil, false, fmt.Errorf("parse balance %q: %w", fields["balance"], err)
	}
	ms, err := strconv.ParseInt(fields["last_updated"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("parse last_updated: %w", err)
	}
	return &BalanceRow{
		AccountID:   accountID,
		Balance:     balance,
		Status:      domain.AccountStatus(fields["status"]),
		Holder:      fields["holder"],
		Type:        domain.AccountType(fields["type"]),
		LastUpdated: time.UnixMilli(ms).UTC(),
	}, true, nil
}

// TransactionRow is one projected transaction.
type TransactionRow struct {
	TransactionID string
	AccountID     string
	Type          TransactionType
	Amount        decimal.Decimal
	Timestamp     time.Time
}

// RecentTransactions returns up to limit transactions for the account,
// newest first.
func (t *KVTarget) RecentTransactions(ctx context.Context, accountID string, limit int) ([]TransactionRow, error) {
	ids, err := t.client.ZRevRange(ctx, txnIndexPrefix+accountID, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transaction index: %w", err)
	}
	rows := make([]TransactionRow, 0, len(ids))
	for _, id := range ids {
		fields, err := t.client.HGetAll(ctx, txnPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("read transaction %s: %w", id, err)
		}
		amount, err := decimal.NewFromString(fields["amount"])
		if err != nil {
			return nil, fmt.Errorf("parse amount for %s: %w", id, err)
		}
		ms, err := strconv.ParseInt(fields["timestamp"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp for %s: %w", id, err)
		}
		rows = append(rows, TransactionRow{
			TransactionID: id,
			AccountID:     fields["account_id"],
			Type:          TransactionType(fields["transaction_type"]),
			Amount:        amount,
			Timestamp:     time.UnixMilli(ms).UTC(),
		})
	}
	return rows, nil
}
