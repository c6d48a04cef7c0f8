// Package codec implements the canonical wire encoding of ledger events.
//
// The same event must reserialize to identical bytes so that idempotency
// comparisons can work on the encoded form. Encoding is therefore fully
// deterministic: struct fields marshal in declaration order and amounts
// are emitted as fixed-point numbers with four fractional digits.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/ledgerstream/pkg/domain"
)


// SerializationError reports a record that could not be decoded. Such
// records are poison messages: re-delivery would fail identically, so
// consumers log and skip them.
type SerializationError struct {
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("serialization: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("serialization: %s", e.Reason)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// envelope is the stored representation of an event. Field order is the
// canonical wire order.
type envelope struct {
	EventID       string          `json:"event_id"`
	Timestamp     int64           `json:"timestamp"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type accountOpenedPayload struct {
	Holder         string          `json:"holder"`
	AccountType    string          `json:"account_type"`
	OpeningBalance json.RawMessage `json:"opening_balance"`
	CreatedAt      int64           `json:"created_at"`
}

type amountPayload struct {
	Amount json.RawMessage `json:"amount"`
}

// Encode serializes an event into its canonical byte form.
func Encode(evt *domain.Event) ([]byte, error) {
	payload, err := encodePayload(evt.Payload)
	if err != nil {
		return nil, err
	}
	env := envelope{
		EventID:       evt.ID,
		Timestamp:     evt.Timestamp.UnixMilli(),
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		Version:       evt.Version,
		EventType:     string(evt.Type()),
		Payload:       payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &SerializationError{Reason: "encode envelope", Err: err}
	}
	return data, nil
}

func encodePayload(p domain.Payload) (json.RawMessage, error) {
	var v any
	switch p := p.(type) {
	case domain.AccountOpened:
		opening, err := encodeAmount(p.OpeningBalance)
		if err != nil {
			return nil, err
		}
		v = accountOpenedPayload{
			Holder:         p.Holder,
			AccountType:    string(p.AccountType),
			OpeningBalance: opening,
			CreatedAt:      p.CreatedAt.UnixMilli(),
		}
	case domain.FundsDeposited:
		amount, err := encodeAmount(p.Amount)
		if err != nil {
			return nil, err
		}
		v = amountPayload{Amount: amount}
	case domain.FundsWithdrawn:
		amount, err := encodeAmount(p.Amount)
		if err != nil {
			return nil, err
		}
		v = amountPayload{Amount: amount}
	case domain.AccountClosed:
		v = struct{}{}
	default:
		return nil, &SerializationError{Reason: fmt.Sprintf("unknown payload type %T", p)}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Reason: "encode payload", Err: err}
	}
	return data, nil
}

// encodeAmount renders a decimal as a bare JSON number with exactly four
// fractional digits, the canonical fixed-point form. An amount that would
// lose precision at that resolution is refused: rounding here would store
// a value the caller never requested, and decode could not reproduce the
// original.
func encodeAmount(d decimal.Decimal) (json.RawMessage, error) {
	if !d.Equal(d.Round(domain.AmountPlaces)) {
		return nil, &SerializationError{
			Reason: fmt.Sprintf("amount %s exceeds %d decimal places", d, domain.AmountPlaces),
		}
	}
	return json.RawMessage(d.StringFixed(domain.AmountPlaces)), nil
}

// Decode parses the canonical byte form back into an event.
func Decode(data []byte) (*domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &SerializationError{Reason: "decode envelope", Err: err}
	}
	if env.EventID == "" || env.AggregateID == "" || env.Version < 1 {
		return nil, &SerializationError{Reason: "envelope missing identity fields"}
	}
	payload, err := decodePayload(domain.EventType(env.EventType), env.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		ID:            env.EventID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Version:       env.Version,
		Timestamp:     time.UnixMilli(env.Timestamp).UTC(),
		Payload:       payload,
	}, nil
}

func decodePayload(eventType domain.EventType, raw json.RawMessage) (domain.Payload, error) {
	switch eventType {
	case domain.EventAccountOpened:
		var p accountOpenedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &SerializationError{Reason: "decode AccountOpened payload", Err: err}
		}
		opening, err := decodeAmount(p.OpeningBalance)
		if err != nil {
			return nil, err
		}
		return domain.AccountOpened{
			Holder:         p.Holder,
			AccountType:    domain.AccountType(p.AccountType),
			OpeningBalance: opening,
			CreatedAt:      time.UnixMilli(p.CreatedAt).UTC(),
		}, nil
	case domain.EventFundsDeposited:
		amount, err := decodeAmountField(raw, "FundsDeposited")
		if err != nil {
			return nil, err
		}
		return domain.FundsDeposited{Amount: amount}, nil
	case domain.EventFundsWithdrawn:
		amount, err := decodeAmountField(raw, "FundsWithdrawn")
		if err != nil {
			return nil, err
		}
		return domain.FundsWithdrawn{Amount: amount}, nil
	case domain.EventAccountClosed:
		return domain.AccountClosed{}, nil
	default:
		return nil, &SerializationError{Reason: fmt.Sprintf("unknown event type %q", eventType)}
	}
}

func decodeAmountField(raw json.RawMessage, eventType string) (decimal.Decimal, error) {
	var p amountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return decimal.Decimal{}, &SerializationError{
			Reason: fmt.Sprintf("decode %s payload", eventType), Err: err,
		}
	}
	return decodeAmount(p.Amount)
}

func decodeAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, &SerializationError{Reason: "missing amount"}
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Decimal{}, &SerializationError{Reason: "parse amount", Err: err}
	}
	return d, nil
}
