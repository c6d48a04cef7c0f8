package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Command is the closed set of single-account ledger commands. Transfers
// touch two aggregates and go through DecideTransfer instead.
type Command interface {
	// AccountID returns the aggregate the command addresses.
	AccountID() string
}

// OpenAccount opens a new account with a non-negative opening balance.
type OpenAccount struct {
	ID             string
	Holder         string
	Type           AccountType
	OpeningBalance decimal.Decimal
}

func (c OpenAccount) AccountID() string { return c.ID }

// Deposit credits a positive amount to an active account.
type Deposit struct {
	ID     string
	Amount decimal.Decimal
}

func (c Deposit) AccountID() string { return c.ID }

// Withdraw debits a positive amount, bounded by the current balance.
type Withdraw struct {
	ID     string
	Amount decimal.Decimal
}

func (c Withdraw) AccountID() string { return c.ID }

// Close terminates an active account with a zero balance.
type Close struct {
	ID string
}

func (c Close) AccountID() string { return c.ID }

// Transfer moves a positive amount between two distinct active accounts.
// It is a command-layer operation only: it produces a FundsWithdrawn on
// the source and a FundsDeposited on the destination, never a stored
// transfer event.
type Transfer struct {
	FromID string
	ToID   string
	Amount decimal.Decimal
}

// Decide validates cmd against the aggregate state and emits the new event
// payloads. acct is nil when the account has no history. The passed-in
// aggregate is never mutated. All validation failures are DomainErrors.
func Decide(cmd Command, acct *Account, now time.Time) ([]Payload, error) {
	switch c := cmd.(type) {
	case OpenAccount:
		return decideOpen(c, acct, now)
	case Deposit:
		if err := requireActive(acct, c.ID); err != nil {
			return nil, err
		}
		if !c.Amount.IsPositive() {
			return nil, NewDomainError(RuleNonPositiveAmount,
				"account", c.ID, "amount", c.Amount.String())
		}
		if excessPrecision(c.Amount) {
			return nil, NewDomainError(RuleExcessPrecision,
				"account", c.ID, "amount", c.Amount.String())
		}
		return []Payload{FundsDeposited{Amount: c.Amount}}, nil
	case Withdraw:
		if err := requireActive(acct, c.ID); err != nil {
			return nil, err
		}
		if !c.Amount.IsPositive() {
			return nil, NewDomainError(RuleNonPositiveAmount,
				"account", c.ID, "amount", c.Amount.String())
		}
		if excessPrecision(c.Amount) {
			return nil, NewDomainError(RuleExcessPrecision,
				"account", c.ID, "amount", c.Amount.String())
		}
		if acct.Balance.LessThan(c.Amount) {
			return nil, NewDomainError(RuleInsufficientFunds,
				"account", c.ID,
				"balance", acct.Balance.String(),
				"requested", c.Amount.String())
		}
		return []Payload{FundsWithdrawn{Amount: c.Amount}}, nil
	case Close:
		if err := requireActive(acct, c.ID); err != nil {
			return nil, err
		}
		if !acct.Balance.IsZero() {
			return nil, NewDomainError(RuleNonZeroBalance,
				"account", c.ID, "balance", acct.Balance.String())
		}
		return []Payload{AccountClosed{}}, nil
	default:
		panic("domain: unknown command type")
	}
}

func decideOpen(c OpenAccount, acct *Account, now time.Time) ([]Payload, error) {
	if acct != nil {
		return nil, NewDomainError(RuleDuplicateOpen, "account", c.ID)
	}
	if c.Holder == "" {
		return nil, NewDomainError(RuleMissingHolder, "account", c.ID)
	}
	if !ValidAccountType(c.Type) {
		return nil, NewDomainError(RuleInvalidAccountType,
			"account", c.ID, "type", string(c.Type))
	}
	if c.OpeningBalance.IsNegative() {
		return nil, NewDomainError(RuleNegativeOpening,
			"account", c.ID, "opening_balance", c.OpeningBalance.String())
	}
	if excessPrecision(c.OpeningBalance) {
		return nil, NewDomainError(RuleExcessPrecision,
			"account", c.ID, "opening_balance", c.OpeningBalance.String())
	}
	return []Payload{AccountOpened{
		Holder:         c.Holder,
		AccountType:    c.Type,
		OpeningBalance: c.OpeningBalance,
		CreatedAt:      now,
	}}, nil
}

// DecideTransfer validates a transfer against both aggregates and emits the
// source withdrawal and destination deposit. The two payloads must be
// committed together in one atomic append.
func DecideTransfer(cmd Transfer, from, to *Account) (withdrawal, deposit Payload, err error) {
	if cmd.FromID == cmd.ToID {
		return nil, nil, NewDomainError(RuleSelfTransfer, "account", cmd.FromID)
	}
	if !cmd.Amount.IsPositive() {
		return nil, nil, NewDomainError(RuleNonPositiveAmount,
			"from", cmd.FromID, "to", cmd.ToID, "amount", cmd.Amount.String())
	}
	if excessPrecision(cmd.Amount) {
		return nil, nil, NewDomainError(RuleExcessPrecision,
			"from", cmd.FromID, "to", cmd.ToID, "amount", cmd.Amount.String())
	}
	if err := requireActive(from, cmd.FromID); err != nil {
		return nil, nil, err
	}
	if err := requireActive(to, cmd.ToID); err != nil {
		return nil, nil, err
	}
	if from.Balance.LessThan(cmd.Amount) {
		return nil, nil, NewDomainError(RuleInsufficientFunds,
			"account", cmd.FromID,
			"balance", from.Balance.String(),
			"requested", cmd.Amount.String())
	}
	return FundsWithdrawn{Amount: cmd.Amount}, FundsDeposited{Amount: cmd.Amount}, nil
}

// excessPrecision reports whether d cannot be represented at the ledger's
// money resolution without rounding.
func excessPrecision(d decimal.Decimal) bool {
	return !d.Equal(d.Round(AmountPlaces))
}

func requireActive(acct *Account, id string) error {
	if acct == nil {
		return NewDomainError(RuleUnknownAccount, "account", id)
	}
	if acct.Status == AccountStatusClosed {
		return NewDomainError(RuleAccountClosed, "account", id)
	}
	return nil
}
