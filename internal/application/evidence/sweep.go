package evidence

import (
	"context"
	"time"

	domain "github.com/bryanwahyu/custodia/internal/domain/evidence"
)

const sweepActor = "system:integrity-sweep"

type SweepReport struct {
	Checked int           `json:"checked"`
	Failed  int           `json:"failed"`
	Errors  int           `json:"errors"`
	Took    time.Duration `json:"took"`
}

// Sweep verifies every stored item, batch by batch. Per-item errors are
// logged and counted; the sweep keeps going.
func (s *Service) Sweep(ctx context.Context, batch int) (SweepReport, error) {
	if batch <= 0 {
		batch = 100
	}
	start := time.Now()
	var rep SweepReport
	var after domain.ID
	for {
		ids, err := s.Repo.IDsAfter(ctx, after, batch)
		if err != nil {
			return rep, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			res, err := s.Verify(ctx, id, VerifyCommand{Actor: sweepActor, ClientOrigin: "internal"})
			rep.Checked++
			switch {
			case err != nil:
				rep.Errors++
				s.log().Error("integrity sweep: verify", "evidence_id", id, "err", err)
			case !res.IntegrityOK:
				rep.Failed++
			}
			after = id
		}
		if len(ids) < batch {
			break
		}
	}
	rep.Took = time.Since(start)
	s.log().Info("integrity sweep done", "checked", rep.Checked, "failed", rep.Failed, "errors", rep.Errors, "took", rep.Took)
	return rep, nil
}

// RunSweeper runs Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx, batch); err != nil && ctx.Err() == nil {
				s.log().Error("integrity sweep aborted", "err", err)
			}
		}
	}
}
