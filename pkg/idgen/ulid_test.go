package idgen_test

import (
	"sort"
	"testing"
	"time"

	"github.com/openledger/ledgerstream/pkg/idgen"
)

func TestNewSortableID(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = idgen.NewSortableID()
		if len(ids[i]) != 26 {
			t.Fatalf("id %q has length %d, want 26", ids[i], len(ids[i]))
		}
		if i > 0 && i%10 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("ids generated in sequence should sort lexicographically")
	}
}
