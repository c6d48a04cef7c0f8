// Package eventlog defines the append-only event log contract. The log is
// the system's sole source of truth; projections are derived from it.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/openledger/ledgerstream/pkg/domain"
)

// ErrConflict is returned by AppendAtomic when an event id already exists
// or a per-aggregate version slot is already taken. Callers retry from the
// reconstitution step.
var ErrConflict = errors.New("event log conflict")

// ErrEmptyBatch is returned when AppendAtomic is called with no events.
var ErrEmptyBatch = errors.New("event log: empty append batch")

// TransportError reports network or store unavailability. The log does not
// retry; upper layers decide.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("event log transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Log is the append-only event log.
//
// Implementations must guarantee, atomically per AppendAtomic call:
//   - every event id in the batch is new across the whole log;
//   - for each aggregate in the batch, the new versions are consecutive
//     and the lowest equals HighestVersion(aggregate)+1 at commit time.
type Log interface {
	// AppendAtomic commits a non-empty batch of events all-or-nothing.
	// Returns ErrConflict on any uniqueness or version violation.
	AppendAtomic(ctx context.Context, events []*domain.Event) error

	// ReadStream returns the complete event stream of one aggregate in
	// ascending version order. An unknown aggregate yields an empty slice.
	ReadStream(ctx context.Context, aggregateID string) ([]*domain.Event, error)

	// HighestVersion returns the maximum version recorded for the
	// aggregate, or 0 if it has no events.
	HighestVersion(ctx context.Context, aggregateID string) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
