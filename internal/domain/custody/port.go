package custody

import (
	"context"
	"iter"
)

type Ledger interface {
	// Append assigns the next sequence number for ev.EvidenceID and persists ev.
	Append(ctx context.Context, ev *Event) (int64, error)
	// History yields events with Sequence >= from in ascending order. Each
	// range over the returned sequence re-reads the store.
	History(ctx context.Context, evidenceID string, from int64) iter.Seq2[*Event, error]
}
