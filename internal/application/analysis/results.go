package analysis

import (
	"context"

	domain "github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

// Results answers read-only queries over stored plugin outcomes.
type Results struct {
	Store    domain.ResultStore
	Evidence EvidenceReader
}

func (r *Results) Get(ctx context.Context, id string) (*domain.Result, error) {
	return r.Store.GetResult(ctx, id)
}

// List returns results for an item in creation order, optionally for one
// plugin only.
func (r *Results) List(ctx context.Context, evidenceID, plugin string) ([]*domain.Result, error) {
	if _, err := r.Evidence.Get(ctx, evidence.ID(evidenceID)); err != nil {
		return nil, err
	}
	out, err := r.Store.ListResults(ctx, evidenceID, plugin)
	if out == nil && err == nil {
		out = []*domain.Result{}
	}
	return out, err
}

// Latest keeps the newest result per plugin.
func (r *Results) Latest(ctx context.Context, evidenceID string) (map[string]*domain.Result, error) {
	all, err := r.List(ctx, evidenceID, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Result, len(all))
	for _, res := range all {
		out[res.Plugin] = res
	}
	return out, nil
}
