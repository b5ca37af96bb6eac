package ledger

import (
	"context"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Page is one poll result. Cursor is the highest sequence examined, whether
// or not it was kept; clients pass it as the next since and feed it to
// Reconciler.AdvanceTo so filtered sequences do not look like gaps.
type Page struct {
	Messages []types.Message `json:"messages"`
	Cursor   int64           `json:"cursor"`
	More     bool            `json:"more"`
}

// Poll reads up to limit messages after since and keeps those accepted by
// keep. A nil keep accepts everything; limit <= 0 reads to the end.
func Poll(ctx context.Context, l Ledger, sessionID string, since int64, limit int, keep func(*types.Message) bool) (Page, error) {
	since = normalizeSince(since)
	fetch := limit
	if limit > 0 {
		fetch = limit + 1
	}
	scanned, err := l.ListSinceLimit(ctx, sessionID, since, fetch)
	if err != nil {
		return Page{}, err
	}

	page := Page{Cursor: since, Messages: []types.Message{}}
	if limit > 0 && len(scanned) > limit {
		scanned = scanned[:limit]
		page.More = true
	}
	for i := range scanned {
		if keep == nil || keep(&scanned[i]) {
			page.Messages = append(page.Messages, scanned[i])
		}
	}
	if n := len(scanned); n > 0 {
		page.Cursor = scanned[n-1].Seq
	}
	return page, nil
}
