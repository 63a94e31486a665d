package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

const evidenceColumns = `id, case_ref, original_filename, content_type, evidence_type, description,
       size, sha256, sha512, key_ref, blob_key, uploaded_by, state, created_at, updated_at`

func scanItem(row scanner) (*evidence.Item, error) {
	var it evidence.Item
	var created, updated int64
	if err := row.Scan(
		&it.ID, &it.CaseRef, &it.OriginalFilename, &it.ContentType, &it.Type, &it.Description,
		&it.Size, &it.SHA256, &it.SHA512, &it.KeyRef, &it.BlobKey, &it.UploadedBy, &it.State,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	it.CreatedAt = fromNanos(created)
	it.UpdatedAt = fromNanos(updated)
	return &it, nil
}

// CommitUpload inserts the item and its UPLOADED event in one transaction.
func (s *Store) CommitUpload(ctx context.Context, it *evidence.Item, ev *custody.Event) (int64, error) {
	const q = `
INSERT INTO evidence_items
(id, case_ref, original_filename, content_type, evidence_type, description,
 size, sha256, sha512, key_ref, blob_key, uploaded_by, state, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	unlock := s.locks.Lock(string(it.ID))
	defer unlock()

	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(q),
			it.ID, it.CaseRef, it.OriginalFilename, it.ContentType, it.Type, it.Description,
			it.Size, it.SHA256, it.SHA512, it.KeyRef, it.BlobKey, it.UploadedBy, it.State,
			nanos(it.CreatedAt), nanos(it.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		var err error
		seq, err = s.appendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) Get(ctx context.Context, id evidence.ID) (*evidence.Item, error) {
	q := `SELECT ` + evidenceColumns + ` FROM evidence_items WHERE id=?`
	it, err := scanItem(s.db.QueryRowContext(ctx, s.q(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evidence.ErrNotFound
	}
	return it, err
}

func (s *Store) List(ctx context.Context, caseRef string, limit int) ([]*evidence.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if caseRef == "" {
		q := `SELECT ` + evidenceColumns + ` FROM evidence_items ORDER BY created_at DESC, id LIMIT ?`
		rows, err = s.db.QueryContext(ctx, s.q(q), limit)
	} else {
		q := `SELECT ` + evidenceColumns + ` FROM evidence_items WHERE case_ref=? ORDER BY created_at DESC, id LIMIT ?`
		rows, err = s.db.QueryContext(ctx, s.q(q), caseRef, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*evidence.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) RecordVerification(ctx context.Context, id evidence.ID, next evidence.State, ev *custody.Event) (evidence.State, int64, error) {
	unlock := s.locks.Lock(string(id))
	defer unlock()

	var state evidence.State
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = s.advanceStateTx(ctx, tx, id, next, ev.Timestamp)
		if err != nil {
			return err
		}
		seq, err = s.appendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	return state, seq, nil
}

// advanceStateTx moves the item forward to next if that is later than its
// current state.
func (s *Store) advanceStateTx(ctx context.Context, tx *sql.Tx, id evidence.ID, next evidence.State, now time.Time) (evidence.State, error) {
	var cur evidence.State
	err := tx.QueryRowContext(ctx, s.q(`SELECT state FROM evidence_items WHERE id=?`+s.d.ForUpdate), id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", evidence.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	adv := cur.Advance(next)
	if adv == cur {
		return cur, nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE evidence_items SET state=?, updated_at=? WHERE id=?`), adv, nanos(now), id); err != nil {
		return "", fmt.Errorf("advance evidence state: %w", err)
	}
	return adv, nil
}

func (s *Store) IDsAfter(ctx context.Context, after evidence.ID, limit int) ([]evidence.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM evidence_items WHERE id > ? ORDER BY id LIMIT ?`), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []evidence.ID
	for rows.Next() {
		var id evidence.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (evidence.Stats, error) {
	const q = `
SELECT state, evidence_type, COUNT(*), COALESCE(SUM(size), 0)
FROM evidence_items
GROUP BY state, evidence_type`
	st := evidence.Stats{ByState: map[evidence.State]int{}, ByType: map[evidence.Type]int{}}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var state evidence.State
		var typ evidence.Type
		var n int
		var size int64
		if err := rows.Scan(&state, &typ, &n, &size); err != nil {
			return st, err
		}
		st.Total += n
		st.TotalSize += size
		st.ByState[state] += n
		st.ByType[typ] += n
	}
	return st, rows.Err()
}
