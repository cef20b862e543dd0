// Package conversation holds pure functions over conversation records:
// ordering, merge/reconciliation and transcript filtering.
package conversation

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// A Collator keeps internal buffers and is not safe for concurrent use.
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und, collate.Numeric)
)

// CompareUpdatedAt compares two timestamps. It returns -1, 0 or +1.
// Parsable timestamps compare as instants; equal-width strings compare
// byte-wise. Anything else falls back to a numeric-aware collation.
func CompareUpdatedAt(a, b string) int {
	if a == b {
		return 0
	}
	ta, errA := domain.ParseTimestamp(a)
	tb, errB := domain.ParseTimestamp(b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	if len(a) == len(b) {
		return strings.Compare(a, b)
	}
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

// SortByUpdatedDesc sorts records in place, most recently updated first.
// Records with equal timestamps are ordered by LocalID.
func SortByUpdatedDesc(records []domain.ConversationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if c := CompareUpdatedAt(records[i].UpdatedAt, records[j].UpdatedAt); c != 0 {
			return c > 0
		}
		return records[i].LocalID < records[j].LocalID
	})
}
