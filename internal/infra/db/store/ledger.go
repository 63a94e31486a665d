package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

const historyPageSize = 256

const eventColumns = `evidence_id, seq, action, actor, client_origin, user_agent, notes, ts,
       verified, sha256_calc, sha512_calc, sha256_match, sha512_match, auth_ok,
       task_id, result_id, prev_hash, record_hash, signature`

func scanEvent(row scanner) (*custody.Event, error) {
	var ev custody.Event
	var ts int64
	var verified, m256, m512, auth int
	var v custody.Verification
	if err := row.Scan(
		&ev.EvidenceID, &ev.Sequence, &ev.Action, &ev.Actor, &ev.ClientOrigin, &ev.UserAgent, &ev.Notes, &ts,
		&verified, &v.SHA256, &v.SHA512, &m256, &m512, &auth,
		&ev.TaskID, &ev.ResultID, &ev.PrevHash, &ev.RecordHash, &ev.Signature,
	); err != nil {
		return nil, err
	}
	ev.Timestamp = fromNanos(ts)
	if verified == 1 {
		v.SHA256Match, v.SHA512Match, v.AuthOK = m256 == 1, m512 == 1, auth == 1
		ev.Verification = &v
	}
	return &ev, nil
}

func (s *Store) Append(ctx context.Context, ev *custody.Event) (int64, error) {
	unlock := s.locks.Lock(ev.EvidenceID)
	defer unlock()

	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = s.appendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// appendTx assigns the next sequence number and seals ev onto the item's
// chain. Callers hold the per-item lock.
func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, ev *custody.Event) (int64, error) {
	if ev.EvidenceID == "" || !ev.Action.Valid() || ev.Actor == "" {
		return 0, fmt.Errorf("%w: evidence=%q action=%q actor=%q", custody.ErrInvalidEvent, ev.EvidenceID, ev.Action, ev.Actor)
	}
	// row lock on the item orders appends across processes
	var id string
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM evidence_items WHERE id=?`+s.d.ForUpdate), ev.EvidenceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, evidence.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var last int64
	var prev string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT seq, record_hash FROM custody_events WHERE evidence_id=? ORDER BY seq DESC LIMIT 1`),
		ev.EvidenceID,
	).Scan(&last, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = fromNanos(ev.Timestamp.UnixNano())
	ev.Sequence = last + 1
	if err := s.seal.Seal(ev, prev); err != nil {
		return 0, err
	}

	var v custody.Verification
	verified := ev.Verification != nil
	if verified {
		v = *ev.Verification
	}
	const q = `
INSERT INTO custody_events
(evidence_id, seq, action, actor, client_origin, user_agent, notes, ts,
 verified, sha256_calc, sha512_calc, sha256_match, sha512_match, auth_ok,
 task_id, result_id, prev_hash, record_hash, signature)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = tx.ExecContext(ctx, s.q(q),
		ev.EvidenceID, ev.Sequence, ev.Action, ev.Actor, ev.ClientOrigin, ev.UserAgent, ev.Notes, nanos(ev.Timestamp),
		b2i(verified), v.SHA256, v.SHA512, b2i(v.SHA256Match), b2i(v.SHA512Match), b2i(v.AuthOK),
		ev.TaskID, ev.ResultID, ev.PrevHash, ev.RecordHash, ev.Signature,
	)
	if s.d.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: %s seq %d", custody.ErrLedgerWriteConflict, ev.EvidenceID, ev.Sequence)
	}
	if err != nil {
		return 0, fmt.Errorf("insert custody event: %w", err)
	}
	return ev.Sequence, nil
}

// History pages through the ledger by sequence number. Rows of a page are
// fully read before anything is yielded.
func (s *Store) History(ctx context.Context, evidenceID string, from int64) iter.Seq2[*custody.Event, error] {
	q := s.q(`SELECT ` + eventColumns + ` FROM custody_events WHERE evidence_id=? AND seq >= ? ORDER BY seq LIMIT ?`)
	return func(yield func(*custody.Event, error) bool) {
		next := max(from, 1)
		for {
			page, err := s.eventPage(ctx, q, evidenceID, next)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				next = ev.Sequence + 1
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

func (s *Store) eventPage(ctx context.Context, q, evidenceID string, from int64) ([]*custody.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, evidenceID, from, historyPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*custody.Event, 0, historyPageSize)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
