package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

const taskColumns = `id, evidence_id, plugin, state, attempt, max_attempts, progress, next_retry_at,
       result_id, last_error, lease_owner, lease_expires_at, claimed_at, cancel_requested,
       actor, client_origin, created_at, updated_at`

func scanTask(row scanner) (*analysis.Task, error) {
	var t analysis.Task
	var next, leaseExp, claimed, created, updated int64
	var cancel int
	if err := row.Scan(
		&t.ID, &t.EvidenceID, &t.Plugin, &t.State, &t.Attempt, &t.MaxAttempts, &t.Progress, &next,
		&t.ResultID, &t.LastError, &t.LeaseOwner, &leaseExp, &claimed, &cancel,
		&t.Actor, &t.ClientOrigin, &created, &updated,
	); err != nil {
		return nil, err
	}
	t.NextRetryAt = fromNanos(next)
	t.LeaseExpiresAt = fromNanos(leaseExp)
	t.ClaimedAt = fromNanos(claimed)
	t.CancelRequested = cancel == 1
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}

func (s *Store) Enqueue(ctx context.Context, t *analysis.Task) error {
	const q = `
INSERT INTO analysis_tasks
(id, evidence_id, plugin, state, attempt, max_attempts, progress, next_retry_at,
 result_id, last_error, lease_owner, lease_expires_at, claimed_at, cancel_requested,
 actor, client_origin, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, s.q(q),
		t.ID, t.EvidenceID, t.Plugin, analysis.TaskQueued, 0, t.MaxAttempts, 0, nanos(t.NextRetryAt),
		"", "", "", 0, 0, 0,
		t.Actor, t.ClientOrigin, nanos(t.CreatedAt), nanos(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	t.State = analysis.TaskQueued
	return nil
}

// Claim picks the oldest due task and leases it with a conditional update,
// retrying when another worker won the race.
func (s *Store) Claim(ctx context.Context, worker string, now time.Time, lease time.Duration) (*analysis.Task, error) {
	const pick = `
SELECT id FROM analysis_tasks
WHERE state=? AND next_retry_at<=? AND cancel_requested=0 AND attempt<max_attempts
ORDER BY next_retry_at, created_at LIMIT 1`
	const take = `
UPDATE analysis_tasks
SET state=?, attempt=attempt+1, lease_owner=?, lease_expires_at=?, claimed_at=?, progress=0, updated_at=?
WHERE id=? AND state=?`

	for range 5 {
		var id analysis.TaskID
		err := s.db.QueryRowContext(ctx, s.q(pick), analysis.TaskQueued, nanos(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, s.q(take),
			analysis.TaskRunning, worker, nanos(now.Add(lease)), nanos(now), nanos(now), id, analysis.TaskQueued)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetTask(ctx, id)
		}
	}
	return nil, nil
}

func (s *Store) Heartbeat(ctx context.Context, l analysis.Lease, progress int, now time.Time, lease time.Duration) (bool, error) {
	progress = min(max(progress, 0), 100)
	const q = `
UPDATE analysis_tasks
SET progress=CASE WHEN ? > progress THEN ? ELSE progress END, lease_expires_at=?, updated_at=?
WHERE id=? AND state=? AND lease_owner=? AND attempt=?`
	res, err := s.db.ExecContext(ctx, s.q(q),
		progress, progress, nanos(now.Add(lease)), nanos(now),
		l.TaskID, analysis.TaskRunning, l.Worker, l.Attempt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, analysis.ErrLeaseLost
	}
	var cancel int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT cancel_requested FROM analysis_tasks WHERE id=?`), l.TaskID).Scan(&cancel); err != nil {
		return false, err
	}
	return cancel == 1, nil
}

// leasedTx locks the task row, confirms l is still the current lease and
// that the task may move to the target state. A lease carrying ExpiredBefore
// only matches while its expiry is still older than that instant, so a
// heartbeat that renewed it in the meantime wins.
func (s *Store) leasedTx(ctx context.Context, tx *sql.Tx, l analysis.Lease, to analysis.TaskState) (int64, error) {
	q := `SELECT state, claimed_at FROM analysis_tasks WHERE id=? AND state=? AND lease_owner=? AND attempt=?`
	args := []any{l.TaskID, analysis.TaskRunning, l.Worker, l.Attempt}
	if !l.ExpiredBefore.IsZero() {
		q += ` AND lease_expires_at < ?`
		args = append(args, nanos(l.ExpiredBefore))
	}
	var state analysis.TaskState
	var claimed int64
	err := tx.QueryRowContext(ctx, s.q(q+s.d.ForUpdate), args...).Scan(&state, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, analysis.ErrLeaseLost
	}
	if err != nil {
		return 0, err
	}
	if !analysis.CanTransition(state, to) {
		return 0, fmt.Errorf("%w: task %s %s -> %s", analysis.ErrInvalidTransition, l.TaskID, state, to)
	}
	return claimed, nil
}

func (s *Store) insertAttemptTx(ctx context.Context, tx *sql.Tx, a analysis.Attempt) error {
	const q = `
INSERT INTO task_attempts (task_id, attempt, worker, outcome, error_message, started_at, finished_at)
VALUES (?,?,?,?,?,?,?)`
	_, err := tx.ExecContext(ctx, s.q(q), a.TaskID, a.Number, a.Worker, a.Outcome, a.Error, nanos(a.StartedAt), nanos(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *Store) Succeed(ctx context.Context, l analysis.Lease, res *analysis.Result, ev *custody.Event, now time.Time) error {
	unlock := s.locks.Lock(l.EvidenceID)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.leasedTx(ctx, tx, l, analysis.TaskSucceeded)
		if err != nil {
			return err
		}
		const q = `
UPDATE analysis_tasks
SET state=?, progress=100, result_id=?, last_error='', lease_owner='', lease_expires_at=0, updated_at=?
WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.q(q), analysis.TaskSucceeded, res.ID, nanos(now), l.TaskID); err != nil {
			return err
		}
		if err := s.insertResultTx(ctx, tx, res); err != nil {
			return err
		}
		if _, err := s.appendTx(ctx, tx, ev); err != nil {
			return err
		}
		if _, err := s.advanceStateTx(ctx, tx, evidence.ID(l.EvidenceID), evidence.StateAnalyzed, now); err != nil {
			return err
		}
		return s.insertAttemptTx(ctx, tx, analysis.Attempt{
			TaskID: l.TaskID, Number: l.Attempt, Worker: l.Worker, Outcome: analysis.TaskSucceeded,
			StartedAt: fromNanos(claimed), FinishedAt: now,
		})
	})
}

func (s *Store) Fail(ctx context.Context, l analysis.Lease, f analysis.Failure, now time.Time) error {
	if f.Final {
		return s.failFinal(ctx, l, f, now)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.leasedTx(ctx, tx, l, analysis.TaskQueued)
		if err != nil {
			return err
		}
		// a cancel that arrived mid-attempt wins over the retry
		const q = `
UPDATE analysis_tasks
SET state=CASE WHEN cancel_requested=1 THEN ? ELSE ? END,
    next_retry_at=?, last_error=?, lease_owner='', lease_expires_at=0, updated_at=?
WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.q(q),
			analysis.TaskCancelled, analysis.TaskQueued, nanos(f.RetryAt), f.Error, nanos(now), l.TaskID); err != nil {
			return err
		}
		return s.insertAttemptTx(ctx, tx, analysis.Attempt{
			TaskID: l.TaskID, Number: l.Attempt, Worker: l.Worker, Outcome: analysis.TaskFailed,
			Error: f.Error, StartedAt: fromNanos(claimed), FinishedAt: now,
		})
	})
}

func (s *Store) failFinal(ctx context.Context, l analysis.Lease, f analysis.Failure, now time.Time) error {
	unlock := s.locks.Lock(l.EvidenceID)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.leasedTx(ctx, tx, l, analysis.TaskFailed)
		if err != nil {
			return err
		}
		resultID := ""
		if f.Result != nil {
			resultID = f.Result.ID
		}
		const q = `
UPDATE analysis_tasks
SET state=?, result_id=?, last_error=?, lease_owner='', lease_expires_at=0, updated_at=?
WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.q(q), analysis.TaskFailed, resultID, f.Error, nanos(now), l.TaskID); err != nil {
			return err
		}
		if f.Result != nil {
			if err := s.insertResultTx(ctx, tx, f.Result); err != nil {
				return err
			}
		}
		if f.Event != nil {
			if _, err := s.appendTx(ctx, tx, f.Event); err != nil {
				return err
			}
		}
		return s.insertAttemptTx(ctx, tx, analysis.Attempt{
			TaskID: l.TaskID, Number: l.Attempt, Worker: l.Worker, Outcome: analysis.TaskFailed,
			Error: f.Error, StartedAt: fromNanos(claimed), FinishedAt: now,
		})
	})
}

func (s *Store) MarkCancelled(ctx context.Context, l analysis.Lease, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.leasedTx(ctx, tx, l, analysis.TaskCancelled)
		if err != nil {
			return err
		}
		const q = `
UPDATE analysis_tasks
SET state=?, lease_owner='', lease_expires_at=0, updated_at=?
WHERE id=?`
		if _, err := tx.ExecContext(ctx, s.q(q), analysis.TaskCancelled, nanos(now), l.TaskID); err != nil {
			return err
		}
		return s.insertAttemptTx(ctx, tx, analysis.Attempt{
			TaskID: l.TaskID, Number: l.Attempt, Worker: l.Worker, Outcome: analysis.TaskCancelled,
			StartedAt: fromNanos(claimed), FinishedAt: now,
		})
	})
}

// Cancel stops a queued task immediately, flags a running one for its
// worker, and refuses terminal tasks.
func (s *Store) Cancel(ctx context.Context, id analysis.TaskID, now time.Time) (*analysis.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state analysis.TaskState
		err := tx.QueryRowContext(ctx, s.q(`SELECT state FROM analysis_tasks WHERE id=?`+s.d.ForUpdate), id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return analysis.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		switch {
		case state.Terminal():
			return fmt.Errorf("%w: task %s is already %s", analysis.ErrInvalidTransition, id, state)
		case !analysis.CanTransition(state, analysis.TaskCancelled):
			return fmt.Errorf("%w: task %s is %s", analysis.ErrInvalidTransition, id, state)
		case state == analysis.TaskQueued:
			_, err = tx.ExecContext(ctx, s.q(`UPDATE analysis_tasks SET state=?, updated_at=? WHERE id=? AND state=?`),
				analysis.TaskCancelled, nanos(now), id, analysis.TaskQueued)
		default:
			_, err = tx.ExecContext(ctx, s.q(`UPDATE analysis_tasks SET cancel_requested=1, updated_at=? WHERE id=? AND state=?`),
				nanos(now), id, analysis.TaskRunning)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) Expired(ctx context.Context, now time.Time) ([]*analysis.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE state=? AND lease_expires_at < ? ORDER BY lease_expires_at`
	return s.queryTasks(ctx, s.q(q), analysis.TaskRunning, nanos(now))
}

func (s *Store) GetTask(ctx context.Context, id analysis.TaskID) (*analysis.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE id=?`
	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analysis.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) ListByEvidence(ctx context.Context, evidenceID string) ([]*analysis.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE evidence_id=? ORDER BY created_at, id`
	return s.queryTasks(ctx, s.q(q), evidenceID)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*analysis.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*analysis.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Attempts(ctx context.Context, id analysis.TaskID) ([]*analysis.Attempt, error) {
	const q = `
SELECT task_id, attempt, worker, outcome, error_message, started_at, finished_at
FROM task_attempts WHERE task_id=? ORDER BY attempt`
	rows, err := s.db.QueryContext(ctx, s.q(q), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*analysis.Attempt
	for rows.Next() {
		var a analysis.Attempt
		var started, finished int64
		if err := rows.Scan(&a.TaskID, &a.Number, &a.Worker, &a.Outcome, &a.Error, &started, &finished); err != nil {
			return nil, err
		}
		a.StartedAt = fromNanos(started)
		a.FinishedAt = fromNanos(finished)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (analysis.QueueStats, error) {
	st := analysis.QueueStats{ByState: map[analysis.TaskState]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM analysis_tasks GROUP BY state`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var state analysis.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, err
		}
		st.ByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	rows.Close()
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM analysis_tasks WHERE state=? AND lease_expires_at < ?`),
		analysis.TaskRunning, nanos(now),
	).Scan(&st.Expired)
	return st, err
}
