package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
	"github.com/bryanwahyu/custodia/internal/infra/db"
	"github.com/bryanwahyu/custodia/internal/infra/db/sqlite"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.Connect(ctx, filepath.Join(t.TempDir(), "custodia.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	d := sqlite.Dialect()
	if err := db.Migrate(ctx, conn, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// idempotent
	if err := db.Migrate(ctx, conn, d); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	sealer, err := custody.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return New(conn, d, sealer)
}

func seedItem(t *testing.T, s *Store, id string) *evidence.Item {
	t.Helper()
	it := &evidence.Item{
		ID:               evidence.ID(id),
		CaseRef:          "CASE-1",
		OriginalFilename: "photo.jpg",
		ContentType:      "image/jpeg",
		Type:             evidence.TypeImage,
		Size:             3,
		SHA256:           "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA512:           "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f",
		KeyRef:           "v1:m:salt",
		BlobKey:          "evidence/" + id,
		UploadedBy:       "alice",
		State:            evidence.StateUploaded,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	seq, err := s.CommitUpload(context.Background(), it, &custody.Event{
		EvidenceID: id, Action: custody.ActionUploaded, Actor: "alice", ClientOrigin: "10.0.0.1", Timestamp: t0,
	})
	if err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	if seq != 1 {
		t.Fatalf("first sequence = %d, want 1", seq)
	}
	return it
}

func collect(t *testing.T, s *Store, id string, from int64) []*custody.Event {
	t.Helper()
	var out []*custody.Event
	for ev, err := range s.History(context.Background(), id, from) {
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestCommitUploadAndGet(t *testing.T) {
	s := newTestStore(t)
	want := seedItem(t, s, "ev-1")

	got, err := s.Get(context.Background(), "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SHA256 != want.SHA256 || got.SHA512 != want.SHA512 || got.Size != want.Size || got.State != evidence.StateUploaded {
		t.Fatalf("Get = %+v", got)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, evidence.ErrNotFound) {
		t.Errorf("missing item: err = %v", err)
	}

	hist := collect(t, s, "ev-1", 1)
	if len(hist) != 1 || hist[0].Action != custody.ActionUploaded || hist[0].PrevHash != custody.GenesisHash {
		t.Fatalf("history = %+v", hist)
	}
}

func TestDuplicateCommitRejected(t *testing.T) {
	s := newTestStore(t)
	it := seedItem(t, s, "ev-dup")
	_, err := s.CommitUpload(context.Background(), it, &custody.Event{
		EvidenceID: "ev-dup", Action: custody.ActionUploaded, Actor: "alice", Timestamp: t0,
	})
	if err == nil {
		t.Fatal("second commit of the same id succeeded")
	}
	if n := len(collect(t, s, "ev-dup", 1)); n != 1 {
		t.Fatalf("ledger has %d events after rejected commit", n)
	}
}

func TestAppendGaplessUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-2")
	seedItem(t, s, "ev-3")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, id := range []string{"ev-2", "ev-3"} {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := s.Append(context.Background(), &custody.Event{
					EvidenceID: id, Action: custody.ActionViewed, Actor: fmt.Sprintf("user-%d", i),
					ClientOrigin: "10.0.0.2", Timestamp: t0.Add(time.Duration(i) * time.Second),
				})
				errs <- err
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	for _, id := range []string{"ev-2", "ev-3"} {
		hist := collect(t, s, id, 1)
		if len(hist) != n+1 {
			t.Fatalf("%s: %d events, want %d", id, len(hist), n+1)
		}
		for i, ev := range hist {
			if ev.Sequence != int64(i+1) {
				t.Fatalf("%s: position %d has sequence %d", id, i, ev.Sequence)
			}
		}
		rep, err := s.seal.Verify(id, s.History(context.Background(), id, 1))
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Valid || rep.Events != n+1 {
			t.Fatalf("%s: chain report %+v", id, rep)
		}
	}
}

func TestAppendRejectsUnknownItemAndBadEvents(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), &custody.Event{EvidenceID: "nope", Action: custody.ActionViewed, Actor: "bob"})
	if !errors.Is(err, evidence.ErrNotFound) {
		t.Errorf("unknown item: err = %v", err)
	}
	seedItem(t, s, "ev-4")
	_, err = s.Append(context.Background(), &custody.Event{EvidenceID: "ev-4", Action: "DELETED", Actor: "bob"})
	if !errors.Is(err, custody.ErrInvalidEvent) {
		t.Errorf("bad action: err = %v", err)
	}
	_, err = s.Append(context.Background(), &custody.Event{EvidenceID: "ev-4", Action: custody.ActionViewed})
	if !errors.Is(err, custody.ErrInvalidEvent) {
		t.Errorf("missing actor: err = %v", err)
	}
}

func TestHistoryRestartableAndPaged(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-5")
	total := historyPageSize + 10
	for i := 1; i < total; i++ {
		if _, err := s.Append(context.Background(), &custody.Event{
			EvidenceID: "ev-5", Action: custody.ActionViewed, Actor: "carol", Timestamp: t0,
		}); err != nil {
			t.Fatal(err)
		}
	}
	seq := s.History(context.Background(), "ev-5", 1)
	for round := 0; round < 2; round++ {
		var count int
		for ev, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			count++
			if ev.Sequence != int64(count) {
				t.Fatalf("round %d: sequence %d at %d", round, ev.Sequence, count)
			}
		}
		if count != total {
			t.Fatalf("round %d: %d events, want %d", round, count, total)
		}
	}

	tail := collect(t, s, "ev-5", int64(total-2))
	if len(tail) != 3 || tail[0].Sequence != int64(total-2) {
		t.Fatalf("tail = %d events starting at %d", len(tail), tail[0].Sequence)
	}

	var seen int
	for range s.History(context.Background(), "ev-5", 1) {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("early break saw %d", seen)
	}
}

func TestStorageRejectsMutation(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-6")
	ctx := context.Background()

	stmts := []string{
		`UPDATE custody_events SET actor='mallory' WHERE evidence_id='ev-6'`,
		`DELETE FROM custody_events WHERE evidence_id='ev-6'`,
		`UPDATE evidence_items SET sha256='00' WHERE id='ev-6'`,
		`UPDATE evidence_items SET size=4 WHERE id='ev-6'`,
		`DELETE FROM evidence_items WHERE id='ev-6'`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err == nil {
			t.Errorf("%q succeeded", q)
		}
	}
	if hist := collect(t, s, "ev-6", 1); len(hist) != 1 || hist[0].Actor != "alice" {
		t.Fatalf("ledger changed: %+v", hist)
	}
}

func TestRecordVerificationStateMonotonic(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-7")
	ctx := context.Background()
	verify := func(next evidence.State, ok bool) (evidence.State, int64) {
		t.Helper()
		st, seq, err := s.RecordVerification(ctx, "ev-7", next, &custody.Event{
			EvidenceID: "ev-7", Action: custody.ActionVerified, Actor: "system", Timestamp: t0,
			Verification: &custody.Verification{SHA256Match: ok, SHA512Match: ok, AuthOK: ok},
		})
		if err != nil {
			t.Fatal(err)
		}
		return st, seq
	}

	if st, seq := verify(evidence.StateVerified, true); st != evidence.StateVerified || seq != 2 {
		t.Fatalf("verify ok: %s %d", st, seq)
	}
	if st, _ := verify(evidence.StateIntegrityFailed, false); st != evidence.StateIntegrityFailed {
		t.Fatalf("verify failed: %s", st)
	}
	if st, seq := verify(evidence.StateVerified, true); st != evidence.StateIntegrityFailed || seq != 4 {
		t.Fatalf("integrity failure was cleared: %s %d", st, seq)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE evidence_items SET state='VERIFIED' WHERE id='ev-7'`); err == nil {
		t.Fatal("raw state revert succeeded")
	}

	hist := collect(t, s, "ev-7", 2)
	if hist[0].Verification == nil || !hist[0].Verification.AuthOK {
		t.Fatalf("verification not persisted: %+v", hist[0])
	}
	if hist[1].Verification == nil || hist[1].Verification.SHA256Match {
		t.Fatalf("failed verification not persisted: %+v", hist[1].Verification)
	}
}

func newTask(id, evidenceID string) *analysis.Task {
	return &analysis.Task{
		ID: analysis.TaskID(id), EvidenceID: evidenceID, Plugin: "image_metadata",
		MaxAttempts: 3, NextRetryAt: t0, Actor: "alice", ClientOrigin: "10.0.0.1",
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestTaskSucceed(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-8")
	ctx := context.Background()
	if err := s.Enqueue(ctx, newTask("task-1", "ev-8")); err != nil {
		t.Fatal(err)
	}

	task, err := s.Claim(ctx, "w1", t0, time.Minute)
	if err != nil || task == nil {
		t.Fatalf("Claim = %v, %v", task, err)
	}
	if task.State != analysis.TaskRunning || task.Attempt != 1 || task.LeaseOwner != "w1" {
		t.Fatalf("claimed task = %+v", task)
	}
	if again, _ := s.Claim(ctx, "w2", t0, time.Minute); again != nil {
		t.Fatal("running task claimed twice")
	}

	cancel, err := s.Heartbeat(ctx, task.Lease(), 40, t0.Add(time.Second), time.Minute)
	if err != nil || cancel {
		t.Fatalf("Heartbeat = %v, %v", cancel, err)
	}
	if _, err := s.Heartbeat(ctx, task.Lease(), 20, t0.Add(2*time.Second), time.Minute); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetTask(ctx, "task-1"); got.Progress != 40 {
		t.Fatalf("progress went backwards: %d", got.Progress)
	}

	res := &analysis.Result{
		ID: "res-1", EvidenceID: "ev-8", TaskID: "task-1", Plugin: "image_metadata", PluginVersion: "1.0.0",
		Success: true, Payload: []byte(`{"width":10}`), Actor: "alice", CreatedAt: t0.Add(3 * time.Second),
	}
	ev := &custody.Event{EvidenceID: "ev-8", Action: custody.ActionAnalyzed, Actor: "alice", TaskID: "task-1", ResultID: "res-1", Timestamp: t0.Add(3 * time.Second)}
	if err := s.Succeed(ctx, task.Lease(), res, ev, t0.Add(3*time.Second)); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := s.Succeed(ctx, task.Lease(), res, ev, t0.Add(4*time.Second)); !errors.Is(err, analysis.ErrLeaseLost) {
		t.Fatalf("second Succeed: err = %v", err)
	}

	done, _ := s.GetTask(ctx, "task-1")
	if done.State != analysis.TaskSucceeded || done.ResultID != "res-1" || done.Progress != 100 {
		t.Fatalf("task = %+v", done)
	}
	got, err := s.GetResult(ctx, "res-1")
	if err != nil || string(got.Payload) != `{"width":10}` || !got.Success {
		t.Fatalf("GetResult = %+v, %v", got, err)
	}
	item, _ := s.Get(ctx, "ev-8")
	if item.State != evidence.StateAnalyzed {
		t.Fatalf("evidence state = %s", item.State)
	}
	hist := collect(t, s, "ev-8", 2)
	if len(hist) != 1 || hist[0].Action != custody.ActionAnalyzed || hist[0].ResultID != "res-1" {
		t.Fatalf("history = %+v", hist)
	}
	attempts, _ := s.Attempts(ctx, "task-1")
	if len(attempts) != 1 || attempts[0].Outcome != analysis.TaskSucceeded || !attempts[0].StartedAt.Equal(t0) {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestTaskRetryThenFinalFailure(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-9")
	ctx := context.Background()
	task := newTask("task-2", "ev-9")
	task.MaxAttempts = 2
	if err := s.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Claim(ctx, "w1", t0, time.Minute)
	retryAt := t0.Add(30 * time.Second)
	if err := s.Fail(ctx, first.Lease(), analysis.Failure{Error: "boom", RetryAt: retryAt}, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	queued, _ := s.GetTask(ctx, "task-2")
	if queued.State != analysis.TaskQueued || queued.LastError != "boom" || !queued.NextRetryAt.Equal(retryAt) {
		t.Fatalf("after retry = %+v", queued)
	}
	if early, _ := s.Claim(ctx, "w1", t0.Add(10*time.Second), time.Minute); early != nil {
		t.Fatal("claimed before retry time")
	}

	second, _ := s.Claim(ctx, "w2", retryAt, time.Minute)
	if second == nil || second.Attempt != 2 {
		t.Fatalf("second claim = %+v", second)
	}
	res := &analysis.Result{ID: "res-2", EvidenceID: "ev-9", TaskID: "task-2", Plugin: "image_metadata", Error: "boom again", Actor: "alice", CreatedAt: retryAt}
	ev := &custody.Event{EvidenceID: "ev-9", Action: custody.ActionAnalysisFailed, Actor: "alice", TaskID: "task-2", ResultID: "res-2", Timestamp: retryAt}
	if err := s.Fail(ctx, second.Lease(), analysis.Failure{Error: "boom again", Final: true, Result: res, Event: ev}, retryAt); err != nil {
		t.Fatal(err)
	}

	final, _ := s.GetTask(ctx, "task-2")
	if final.State != analysis.TaskFailed || final.ResultID != "res-2" {
		t.Fatalf("final = %+v", final)
	}
	if more, _ := s.Claim(ctx, "w1", retryAt.Add(time.Hour), time.Minute); more != nil {
		t.Fatal("failed task claimed again")
	}
	attempts, _ := s.Attempts(ctx, "task-2")
	if len(attempts) != 2 || attempts[0].Error != "boom" {
		t.Fatalf("attempts = %+v", attempts)
	}
	item, _ := s.Get(ctx, "ev-9")
	if item.State != evidence.StateUploaded {
		t.Fatalf("failed analysis advanced state to %s", item.State)
	}
	hist := collect(t, s, "ev-9", 1)
	if hist[len(hist)-1].Action != custody.ActionAnalysisFailed {
		t.Fatalf("last event = %s", hist[len(hist)-1].Action)
	}
}

func TestTaskCancel(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-10")
	ctx := context.Background()

	s.Enqueue(ctx, newTask("task-q", "ev-10"))
	got, err := s.Cancel(ctx, "task-q", t0)
	if err != nil || got.State != analysis.TaskCancelled {
		t.Fatalf("cancel queued = %+v, %v", got, err)
	}
	if _, err := s.Cancel(ctx, "task-q", t0); !errors.Is(err, analysis.ErrInvalidTransition) {
		t.Fatalf("cancel terminal: err = %v", err)
	}
	if _, err := s.Cancel(ctx, "nope", t0); !errors.Is(err, analysis.ErrTaskNotFound) {
		t.Fatalf("cancel unknown: err = %v", err)
	}

	s.Enqueue(ctx, newTask("task-r", "ev-10"))
	running, _ := s.Claim(ctx, "w1", t0, time.Minute)
	got, err = s.Cancel(ctx, "task-r", t0)
	if err != nil || got.State != analysis.TaskRunning || !got.CancelRequested {
		t.Fatalf("cancel running = %+v, %v", got, err)
	}
	requested, err := s.Heartbeat(ctx, running.Lease(), 10, t0, time.Minute)
	if err != nil || !requested {
		t.Fatalf("heartbeat = %v, %v", requested, err)
	}
	if err := s.MarkCancelled(ctx, running.Lease(), t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	final, _ := s.GetTask(ctx, "task-r")
	if final.State != analysis.TaskCancelled {
		t.Fatalf("state = %s", final.State)
	}
}

func TestCancelDuringRetryableFailure(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-11")
	ctx := context.Background()
	s.Enqueue(ctx, newTask("task-c", "ev-11"))
	running, _ := s.Claim(ctx, "w1", t0, time.Minute)
	s.Cancel(ctx, "task-c", t0)
	if err := s.Fail(ctx, running.Lease(), analysis.Failure{Error: "x", RetryAt: t0}, t0); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "task-c")
	if got.State != analysis.TaskCancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}
}

func TestExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-12")
	ctx := context.Background()
	s.Enqueue(ctx, newTask("task-e", "ev-12"))
	s.Claim(ctx, "w1", t0, time.Minute)

	if exp, _ := s.Expired(ctx, t0.Add(30*time.Second)); len(exp) != 0 {
		t.Fatalf("expired too early: %d", len(exp))
	}
	exp, err := s.Expired(ctx, t0.Add(2*time.Minute))
	if err != nil || len(exp) != 1 || exp[0].LeaseOwner != "w1" {
		t.Fatalf("Expired = %+v, %v", exp, err)
	}
	st, err := s.QueueStats(ctx, t0.Add(2*time.Minute))
	if err != nil || st.ByState[analysis.TaskRunning] != 1 || st.Expired != 1 {
		t.Fatalf("QueueStats = %+v, %v", st, err)
	}
}

func TestReapSkipsRenewedLease(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-13")
	ctx := context.Background()
	s.Enqueue(ctx, newTask("task-h", "ev-13"))
	running, _ := s.Claim(ctx, "w1", t0, time.Minute)

	reapAt := t0.Add(61 * time.Second)
	exp, err := s.Expired(ctx, reapAt)
	if err != nil || len(exp) != 1 {
		t.Fatalf("Expired = %+v, %v", exp, err)
	}
	// the worker renews between the scan and the reaper's write
	if _, err := s.Heartbeat(ctx, running.Lease(), 50, reapAt, time.Minute); err != nil {
		t.Fatal(err)
	}

	err = s.Fail(ctx, exp[0].ExpiredLease(reapAt), analysis.Failure{Error: "lease expired", RetryAt: reapAt}, reapAt)
	if !errors.Is(err, analysis.ErrLeaseLost) {
		t.Fatalf("reap of renewed lease: err = %v", err)
	}
	got, _ := s.GetTask(ctx, "task-h")
	if got.State != analysis.TaskRunning || got.LeaseOwner != "w1" {
		t.Fatalf("task = %s owned by %q", got.State, got.LeaseOwner)
	}
	if other, _ := s.Claim(ctx, "w2", reapAt, time.Minute); other != nil {
		t.Fatal("renewed task claimed by a second worker")
	}

	// once the renewed lease lapses too the reaper takes it
	later := reapAt.Add(2 * time.Minute)
	if err := s.Fail(ctx, exp[0].ExpiredLease(later), analysis.Failure{Error: "lease expired", RetryAt: later}, later); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetTask(ctx, "task-h"); got.State != analysis.TaskQueued || got.LeaseOwner != "" {
		t.Fatalf("after reap: %s owned by %q", got.State, got.LeaseOwner)
	}
}

func TestLeasedWriteChecksTransitionTable(t *testing.T) {
	s := newTestStore(t)
	seedItem(t, s, "ev-14")
	ctx := context.Background()
	s.Enqueue(ctx, newTask("task-t", "ev-14"))
	running, _ := s.Claim(ctx, "w1", t0, time.Minute)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.leasedTx(ctx, tx, running.Lease(), analysis.TaskRunning)
		return err
	})
	if !errors.Is(err, analysis.ErrInvalidTransition) {
		t.Fatalf("RUNNING -> RUNNING: err = %v", err)
	}

	if err := s.MarkCancelled(ctx, running.Lease(), t0); err != nil {
		t.Fatal(err)
	}
	// the lease died with the terminal state
	if err := s.Succeed(ctx, running.Lease(), &analysis.Result{ID: "r"}, nil, t0); !errors.Is(err, analysis.ErrLeaseLost) {
		t.Fatalf("Succeed after cancel: err = %v", err)
	}
	if _, err := s.Cancel(ctx, "task-t", t0); !errors.Is(err, analysis.ErrInvalidTransition) {
		t.Fatalf("Cancel after cancel: err = %v", err)
	}
}

func TestEvidenceStatsAndPaging(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		seedItem(t, s, id)
	}
	st, err := s.Stats(context.Background())
	if err != nil || st.Total != 3 || st.TotalSize != 9 || st.ByType[evidence.TypeImage] != 3 {
		t.Fatalf("Stats = %+v, %v", st, err)
	}
	ids, _ := s.IDsAfter(context.Background(), "a", 10)
	if len(ids) != 2 || ids[0] != "b" {
		t.Fatalf("IDsAfter = %v", ids)
	}
	items, _ := s.List(context.Background(), "CASE-1", 2)
	if len(items) != 2 {
		t.Fatalf("List = %d", len(items))
	}
}
