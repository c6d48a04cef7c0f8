package idgen

import (
	"github.com/oklog/ulid/v2"
)

// NewSortableID returns a ULID: lexically sortable by creation time.
// Used for account and transaction identifiers.
func NewSortableID() string {
	return ulid.Make().String()
}
