package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType distinguishes the two ledger account kinds.
type AccountType string

const (
	AccountTypeChecking AccountType = "checking"
	AccountTypeSavings  AccountType = "savings"
)

// ValidAccountType reports whether t is a known account type.
func ValidAccountType(t AccountType) bool {
	return t == AccountTypeChecking || t == AccountTypeSavings
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusClosed AccountStatus = "closed"
)

// Account is the ledger aggregate. It is never persisted directly; it is
// reconstituted on demand by folding the account's event stream.
type Account struct {
	ID        string
	Holder    string
	Type      AccountType
	Balance   decimal.Decimal
	Status    AccountStatus
	CreatedAt time.Time

	// Version is the version of the last applied event.
	Version int64
}

// Active reports whether the account accepts mutating commands.
func (a *Account) Active() bool {
	return a != nil && a.Status == AccountStatusActive
}

// LoadFromHistory folds an event list in version order over empty state.
// Returns nil for an empty list: the aggregate does not exist yet.
func LoadFromHistory(events []*Event) *Account {
	if len(events) == 0 {
		return nil
	}
	var acct *Account
	for _, evt := range events {
		acct = apply(acct, evt)
	}
	return acct
}

// apply advances the aggregate by one event. Applying AccountOpened to a
// non-nil aggregate, or any other event to a nil one, is a programmer
// error: the log's version invariant makes it unreachable.
func apply(acct *Account, evt *Event) *Account {
	switch p := evt.Payload.(type) {
	case AccountOpened:
		if acct != nil {
			panic(fmt.Sprintf("account %s: AccountOpened applied to existing aggregate", evt.AggregateID))
		}
		acct = &Account{
			ID:        evt.AggregateID,
			Holder:    p.Holder,
			Type:      p.AccountType,
			Balance:   p.OpeningBalance,
			Status:    AccountStatusActive,
			CreatedAt: p.CreatedAt,
		}
	case FundsDeposited:
		mustExist(acct, evt)
		acct.Balance = acct.Balance.Add(p.Amount)
	case FundsWithdrawn:
		mustExist(acct, evt)
		acct.Balance = acct.Balance.Sub(p.Amount)
	case AccountClosed:
		mustExist(acct, evt)
		acct.Status = AccountStatusClosed
	default:
		panic(fmt.Sprintf("account %s: unknown event payload %T", evt.AggregateID, evt.Payload))
	}
	acct.Version = evt.Version
	return acct
}

func mustExist(acct *Account, evt *Event) {
	if acct == nil {
		panic(fmt.Sprintf("account %s: %s applied before AccountOpened", evt.AggregateID, evt.Type()))
	}
}
