package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bryanwahyu/custodia/internal/domain/analysis"
)

const resultColumns = `id, evidence_id, task_id, plugin, plugin_version, success, payload, error_message, actor, created_at`

func scanResult(row scanner) (*analysis.Result, error) {
	var r analysis.Result
	var success int
	var payload string
	var created int64
	if err := row.Scan(&r.ID, &r.EvidenceID, &r.TaskID, &r.Plugin, &r.PluginVersion, &success, &payload, &r.Error, &r.Actor, &created); err != nil {
		return nil, err
	}
	r.Success = success == 1
	if payload != "" {
		r.Payload = json.RawMessage(payload)
	}
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func (s *Store) insertResultTx(ctx context.Context, tx *sql.Tx, r *analysis.Result) error {
	const q = `
INSERT INTO analysis_results
(id, evidence_id, task_id, plugin, plugin_version, success, payload, error_message, actor, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`
	_, err := tx.ExecContext(ctx, s.q(q),
		r.ID, r.EvidenceID, r.TaskID, r.Plugin, r.PluginVersion, b2i(r.Success), string(r.Payload), r.Error, r.Actor, nanos(r.CreatedAt))
	if s.d.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", analysis.ErrDuplicateResult, r.TaskID)
	}
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (*analysis.Result, error) {
	q := `SELECT ` + resultColumns + ` FROM analysis_results WHERE id=?`
	r, err := scanResult(s.db.QueryRowContext(ctx, s.q(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analysis.ErrResultNotFound
	}
	return r, err
}

// ListResults returns an item's results oldest first, optionally narrowed
// to one plugin.
func (s *Store) ListResults(ctx context.Context, evidenceID, plugin string) ([]*analysis.Result, error) {
	q := `SELECT ` + resultColumns + ` FROM analysis_results WHERE evidence_id=?`
	args := []any{evidenceID}
	if plugin != "" {
		q += ` AND plugin=?`
		args = append(args, plugin)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*analysis.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
