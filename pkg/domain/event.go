package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AggregateTypeAccount is the aggregate type tag carried by every event.
// The ledger has a single aggregate kind.
const AggregateTypeAccount = "Account"

// AmountPlaces is the ledger's money resolution. Amounts carry at most
// four fractional digits; the wire format encodes exactly this many, so
// finer amounts are rejected before they can reach the log.
const AmountPlaces = 4

// EventType identifies one of the persisted event kinds.
type EventType string

const (
	EventAccountOpened  EventType = "AccountOpened"
	EventFundsDeposited EventType = "FundsDeposited"
	EventFundsWithdrawn EventType = "FundsWithdrawn"
	EventAccountClosed  EventType = "AccountClosed"
)

// Event is an immutable fact about an account. Once appended to the log it
// is never mutated or deleted.
type Event struct {
	// ID is the globally unique identifier for this event. It is the
	// primary identity in the log and guarantees idempotency on append.
	ID string

	// AggregateID is the identifier of the account stream this event
	// belongs to.
	AggregateID string

	// AggregateType is always AggregateTypeAccount.
	AggregateType string

	// Version is the strictly increasing position of this event within
	// its aggregate's stream; 1 for the first event.
	Version int64

	// Timestamp is the wall-clock instant of creation.
	Timestamp time.Time

	// Payload carries the event-type-specific data.
	Payload Payload
}

// Type returns the event type tag of the payload.
func (e *Event) Type() EventType {
	return e.Payload.EventType()
}

// Payload is the closed set of event payloads. All apply, project and
// serialize operations switch exhaustively on the concrete type.
type Payload interface {
	EventType() EventType
}

// AccountOpened creates an account.
type AccountOpened struct {
	Holder         string
	AccountType    AccountType
	OpeningBalance decimal.Decimal
	CreatedAt      time.Time
}

func (AccountOpened) EventType() EventType { return EventAccountOpened }

// FundsDeposited credits the account balance.
type FundsDeposited struct {
	Amount decimal.Decimal
}

func (FundsDeposited) EventType() EventType { return EventFundsDeposited }

// FundsWithdrawn debits the account balance. A transfer is stored as a
// FundsWithdrawn on the source and a FundsDeposited on the destination,
// committed in one atomic batch; there is no stored transfer event.
type FundsWithdrawn struct {
	Amount decimal.Decimal
}

func (FundsWithdrawn) EventType() EventType { return EventFundsWithdrawn }

// AccountClosed terminates the account. It carries no data.
type AccountClosed struct{}

func (AccountClosed) EventType() EventType { return EventAccountClosed }
