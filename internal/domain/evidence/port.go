package evidence

import (
	"context"
	"io"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
)

type Repository interface {
	// CommitUpload persists the item together with its first custody event.
	CommitUpload(ctx context.Context, it *Item, ev *custody.Event) (int64, error)
	Get(ctx context.Context, id ID) (*Item, error)
	List(ctx context.Context, caseRef string, limit int) ([]*Item, error)
	// RecordVerification advances the item state and appends ev in one transaction.
	RecordVerification(ctx context.Context, id ID, next State, ev *custody.Event) (State, int64, error)
	// IDsAfter pages through item ids in ascending order.
	IDsAfter(ctx context.Context, after ID, limit int) ([]ID, error)
	Stats(ctx context.Context) (Stats, error)
}

// BlobStore holds ciphertext. Keys are written once.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Discard removes a blob that never got a committed item.
	Discard(ctx context.Context, key string) error
}
