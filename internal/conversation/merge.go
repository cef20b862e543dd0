package conversation

import (
	"bytes"
	"encoding/json"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// Merge combines record collections into one collection with no duplicate
// LocalID. For each LocalID the record with the greatest UpdatedAt wins.
// Ties are broken by message count and then by canonical encoding, so the
// result does not depend on argument order. Records with an empty LocalID
// are dropped.
//
// The result is sorted most recent first; callers that present the
// collection should still apply their own ordering.
func Merge(collections ...[]domain.ConversationRecord) []domain.ConversationRecord {
	byID := make(map[string]domain.ConversationRecord)
	for _, records := range collections {
		for _, rec := range records {
			if rec.LocalID == "" {
				continue
			}
			current, ok := byID[rec.LocalID]
			if !ok || newer(rec, current) {
				byID[rec.LocalID] = rec
			}
		}
	}

	out := make([]domain.ConversationRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	SortByUpdatedDesc(out)
	return out
}

// newer reports whether candidate should replace current.
func newer(candidate, current domain.ConversationRecord) bool {
	if c := CompareUpdatedAt(candidate.UpdatedAt, current.UpdatedAt); c != 0 {
		return c > 0
	}
	if len(candidate.Messages) != len(current.Messages) {
		return len(candidate.Messages) > len(current.Messages)
	}
	return bytes.Compare(canonical(candidate), canonical(current)) > 0
}

func canonical(rec domain.ConversationRecord) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return b
}
