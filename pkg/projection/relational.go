package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/openledger/ledgerstream/pkg/domain"
)

// Money columns are stored as integer ten-thousandths, matching the wire
// format's four fractional digits exactly, so accumulators can be summed
// in SQL.
func toUnits(d decimal.Decimal) int64 {
	return d.Shift(4).Round(0).IntPart()
}

func fromUnits(n int64) decimal.Decimal {
	return decimal.New(n, -4)
}

const relationalSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	type TEXT NOT NULL,
	balance INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	closed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_accounts_holder ON accounts (holder);
CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts (status);
CREATE INDEX IF NOT EXISTS idx_accounts_type ON accounts (type);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts (account_id),
	type TEXT NOT NULL,
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions (timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions (type);

CREATE TABLE IF NOT EXISTS account_summary (
	account_id TEXT PRIMARY KEY REFERENCES accounts (account_id),
	holder TEXT NOT NULL,
	type TEXT NOT NULL,
	current_balance INTEGER NOT NULL,
	total_deposits INTEGER NOT NULL DEFAULT 0,
	total_withdrawals INTEGER NOT NULL DEFAULT 0,
	transaction_count INTEGER NOT NULL DEFAULT 0,
	last_transaction_date INTEGER,
	account_age_days INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_balances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL REFERENCES accounts (account_id),
	balance_date TEXT NOT NULL,
	closing_balance INTEGER NOT NULL,
	daily_deposits INTEGER NOT NULL DEFAULT 0,
	daily_withdrawals INTEGER NOT NULL DEFAULT 0,
	transaction_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (account_id, balance_date)
);
`

// RelationalTarget maintains the analytical projection: account master,
// transaction ledger, running-total summary, and per-day balance rollups.
//
// Idempotency: transaction inserts key on the event id with ON CONFLICT DO
// NOTHING; a duplicate aborts the rest of the update inside the same
// transaction, so balances and accumulators never double-count.
type RelationalTarget struct {
	db *sqlx.DB
}

// NewRelationalTarget creates the relational target and ensures its
// schema.
func NewRelationalTarget(db *sqlx.DB) (*RelationalTarget, error) {
	if _, err := db.Exec(relationalSchema); err != nil {
		return nil, fmt.Errorf("ensure relational projection schema: %w", err)
	}
	return &RelationalTarget{db: db}, nil
}

// Name implements Target.
func (t *RelationalTarget) Name() string {
	return "relational"
}

// Apply implements Target. The whole per-event update is one SQL
// transaction.
func (t *RelationalTarget) Apply(ctx context.Context, evt *domain.Event) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin projection tx: %w", err)
	}
	defer tx.Rollback()

	switch p := evt.Payload.(type) {
	case domain.AccountOpened:
		err = t.applyOpened(ctx, tx, evt, p)
	case domain.FundsDeposited:
		err = t.applyMovement(ctx, tx, evt, p.Amount, TransactionDeposit)
	case domain.FundsWithdrawn:
		err = t.applyMovement(ctx, tx, evt, p.Amount.Neg(), TransactionWithdrawal)
	case domain.AccountClosed:
		err = t.applyClosed(ctx, tx, evt)
	default:
		err = fmt.Errorf("unknown payload type %T", evt.Payload)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (t *RelationalTarget) applyOpened(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, p domain.AccountOpened) error {
	opening := toUnits(p.OpeningBalance)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, holder, type, balance, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING
	`, evt.AggregateID, p.Holder, string(p.AccountType), opening,
		string(domain.AccountStatusActive), p.CreatedAt.UnixMilli(), evt.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already applied.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_summary (account_id, holder, type, current_balance, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING
	`, evt.AggregateID, p.Holder, string(p.AccountType), opening, string(domain.AccountStatusActive))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	// A zero opening balance records no opening transaction.
	if !p.OpeningBalance.IsPositive() {
		return nil
	}
	if err := t.insertTransaction(ctx, tx, evt, opening, opening, TransactionOpeningDeposit); err != nil {
		return err
	}
	if err := t.bumpSummary(ctx, tx, evt, opening, opening, p.CreatedAt); err != nil {
		return err
	}
	return t.upsertDailyBalance(ctx, tx, evt, opening, opening)
}

// applyMovement handles deposits (positive delta) and withdrawals
// (negative delta). The transaction-ledger insert doubles as the
// idempotency guard for the balance update.
func (t *RelationalTarget) applyMovement(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, delta decimal.Decimal, txnType TransactionType) error {
	var row struct {
		Balance   int64 `db:"balance"`
		CreatedAt int64 `db:"created_at"`
	}
	err := tx.GetContext(ctx, &row, `
		SELECT balance, created_at FROM accounts WHERE account_id = ?
	`, evt.AggregateID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account %s has no projected row", evt.AggregateID)
	}
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}

	deltaUnits := toUnits(delta)
	newBalance := row.Balance + deltaUnits

	inserted, err := t.tryInsertTransaction(ctx, tx, evt, deltaUnits, newBalance, txnType)
	if err != nil {
		return err
	}
	if !inserted {
		// Already applied.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE account_id = ?
	`, newBalance, evt.Timestamp.UnixMilli(), evt.AggregateID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	createdAt := time.UnixMilli(row.CreatedAt).UTC()
	if err := t.bumpSummary(ctx, tx, evt, deltaUnits, newBalance, createdAt); err != nil {
		return err
	}
	return t.upsertDailyBalance(ctx, tx, evt, deltaUnits, newBalance)
}

func (t *RelationalTarget) applyClosed(ctx context.Context, tx *sqlx.Tx, evt *domain.Event) error {
	// Absolute writes; naturally idempotent.
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET status = ?, closed_at = ?, updated_at = ?
		WHERE account_id = ? AND status != ?
	`, string(domain.AccountStatusClosed), evt.Timestamp.UnixMilli(), evt.Timestamp.UnixMilli(),
		evt.AggregateID, string(domain.AccountStatusClosed))
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE account_summary SET status = ? WHERE account_id = ?
	`, string(domain.AccountStatusClosed), evt.AggregateID)
	if err != nil {
		return fmt.Errorf("close summary: %w", err)
	}
	return nil
}

func (t *RelationalTarget) insertTransaction(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, deltaUnits, balanceAfter int64, txnType TransactionType) error {
	inserted, err := t.tryInsertTransaction(ctx, tx, evt, deltaUnits, balanceAfter, txnType)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("transaction %s already recorded", evt.ID)
	}
	return nil
}

func (t *RelationalTarget) tryInsertTransaction(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, deltaUnits, balanceAfter int64, txnType TransactionType) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, account_id, type, amount, balance_after, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, evt.ID, evt.AggregateID, string(txnType), abs64(deltaUnits), balanceAfter, evt.Timestamp.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return n > 0, nil
}

func (t *RelationalTarget) bumpSummary(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, deltaUnits, balanceAfter int64, createdAt time.Time) error {
	deposit, withdrawal := int64(0), int64(0)
	if deltaUnits >= 0 {
		deposit = deltaUnits
	} else {
		withdrawal = -deltaUnits
	}
	ageDays := int64(evt.Timestamp.Sub(createdAt).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE account_summary SET
			current_balance = ?,
			total_deposits = total_deposits + ?,
			total_withdrawals = total_withdrawals + ?,
			transaction_count = transaction_count + 1,
			last_transaction_date = ?,
			account_age_days = ?
		WHERE account_id = ?
	`, balanceAfter, deposit, withdrawal, evt.Timestamp.UnixMilli(), ageDays, evt.AggregateID)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (t *RelationalTarget) upsertDailyBalance(ctx context.Context, tx *sqlx.Tx, evt *domain.Event, deltaUnits, balanceAfter int64) error {
	deposit, withdrawal := int64(0), int64(0)
	if deltaUnits >= 0 {
		deposit = deltaUnits
	} else {
		withdrawal = -deltaUnits
	}
	date := evt.Timestamp.UTC().Format("2006-01-02")
	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_balances (account_id, balance_date, closing_balance, daily_deposits, daily_withdrawals, transaction_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (account_id, balance_date) DO UPDATE SET
			closing_balance = excluded.closing_balance,
			daily_deposits = daily_deposits + excluded.daily_deposits,
			daily_withdrawals = daily_withdrawals + excluded.daily_withdrawals,
			transaction_count = transaction_count + 1
	`, evt.AggregateID, date, balanceAfter, deposit, withdrawal)
	if err != nil {
		return fmt.Errorf("upsert daily balance: %w", err)
	}
	return nil
}

// Reset drops all projected rows.
func (t *RelationalTarget) Reset(ctx context.Context) error {
	for _, table := range []string{"daily_balances", "account_summary", "transactions", "accounts"} {
		if _, err := t.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// AccountRecord is one row of the accounts table.
type AccountRecord struct {
	AccountID string        `db:"account_id"`
	Holder    string        `db:"holder"`
	Type      string        `db:"type"`
	Balance   int64         `db:"balance"`
	Status    string        `db:"status"`
	CreatedAt int64         `db:"created_at"`
	UpdatedAt int64         `db:"updated_at"`
	ClosedAt  sql.NullInt64 `db:"closed_at"`
}

// BalanceDecimal returns the balance as a decimal.
func (r *AccountRecord) BalanceDecimal() decimal.Decimal {
	return fromUnits(r.Balance)
}

// Account returns the projected account row.
func (t *RelationalTarget) Account(ctx context.Context, accountID string) (*AccountRecord, error) {
	var rec AccountRecord
	err := t.db.GetContext(ctx, &rec, `
		SELECT account_id, holder, type, balance, status, created_at, updated_at, closed_at
		FROM accounts WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransactionRecord is one row of the transactions table.
type TransactionRecord struct {
	TransactionID string `db:"transaction_id"`
	AccountID     string `db:"account_id"`
	Type          string `db:"type"`
	Amount        int64  `db:"amount"`
	BalanceAfter  int64  `db:"balance_after"`
	Timestamp     int64  `db:"timestamp"`
	Description   string `db:"description"`
}

// Transactions returns the account's ledger rows, oldest first.
func (t *RelationalTarget) Transactions(ctx context.Context, accountID string) ([]TransactionRecord, error) {
	var recs []TransactionRecord
	err := t.db.SelectContext(ctx, &recs, `
		SELECT transaction_id, account_id, type, amount, balance_after, timestamp, description
		FROM transactions WHERE account_id = ? ORDER BY timestamp ASC, transaction_id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// SummaryRecord is one row of the account_summary table.
type SummaryRecord struct {
	AccountID           string        `db:"account_id"`
	Holder              string        `db:"holder"`
	Type                string        `db:"type"`
	CurrentBalance      int64         `db:"current_balance"`
	TotalDeposits       int64         `db:"total_deposits"`
	TotalWithdrawals    int64         `db:"total_withdrawals"`
	TransactionCount    int64         `db:"transaction_count"`
	LastTransactionDate sql.NullInt64 `db:"last_transaction_date"`
	AccountAgeDays      int64         `db:"account_age_days"`
	Status              string        `db:"status"`
}

// Summary returns the account's running totals.
func (t *RelationalTarget) Summary(ctx context.Context, accountID string) (*SummaryRecord, error) {
	var rec SummaryRecord
	err := t.db.GetContext(ctx, &rec, `
		SELECT account_id, holder, type, current_balance, total_deposits, total_withdrawals,
			transaction_count, last_transaction_date, account_age_days, status
		FROM account_summary WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DailyBalanceRecord is one row of the daily_balances table.
type DailyBalanceRecord struct {
	ID               int64  `db:"id"`
	AccountID        string `db:"account_id"`
	BalanceDate      string `db:"balance_date"`
	ClosingBalance   int64  `db:"closing_balance"`
	DailyDeposits    int64  `db:"daily_deposits"`
	DailyWithdrawals int64  `db:"daily_withdrawals"`
	TransactionCount int64  `db:"transaction_count"`
}

// DailyBalance returns the rollup for one account and day.
func (t *RelationalTarget) DailyBalance(ctx context.Context, accountID, date string) (*DailyBalanceRecord, error) {
	var rec DailyBalanceRecord
	err := t.db.GetContext(ctx, &rec, `
		SELECT id, account_id, balance_date, closing_balance, daily_deposits, daily_withdrawals, transaction_count
		FROM daily_balances WHERE account_id = ? AND balance_date = ?
	`, accountID, date)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
