package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/custodia/internal/application"
	domain "github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// Executor runs one claimed task. *Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, t *domain.Task) (plugin.Outcome, plugin.Descriptor, error)
	Describe(name string) plugin.Descriptor
}

type Config struct {
	Workers           int
	Backoff           domain.Backoff
	Lease             time.Duration
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
	// CancelGrace is how long a cancelled or timed out plugin may keep
	// running before its worker moves on without it.
	CancelGrace  time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 30 * time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Lease / 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.Lease
	}
	return c
}

var errShutdown = errors.New("scheduler shutting down")

// Scheduler is a bounded worker pool over a durable Queue.
type Scheduler struct {
	queue domain.Queue
	exec  Executor
	clock application.Clock
	log   *slog.Logger
	cfg   Config
	host  string

	wake    chan struct{}
	running sync.Map // TaskID -> context.CancelCauseFunc
	busy    atomic.Int32

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	claimed, succeeded, failed, retried, cancelled, timedOut, reaped atomic.Int64
}

func NewScheduler(q domain.Queue, exec Executor, clock application.Clock, log *slog.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Scheduler{
		queue: q,
		exec:  exec,
		clock: clock,
		log:   log.With("component", "scheduler"),
		cfg:   cfg.withDefaults(),
		host:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		wake:  make(chan struct{}, 1),
	}
}

// Start launches the workers and the lease reaper. They run until Stop or
// until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancelCause(ctx)
	for i := range s.cfg.Workers {
		name := fmt.Sprintf("%s/w%d", s.host, i)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work(ctx, name)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reap(ctx)
	}()
	s.log.Info("scheduler started", "workers", s.cfg.Workers, "lease", s.cfg.Lease, "task_timeout", s.cfg.TaskTimeout)
}

// Stop signals running tasks and waits for workers, bounded by ctx.
// Interrupted attempts go back to the queue.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel(errShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake nudges an idle worker to poll now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) work(ctx context.Context, name string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		ran, err := s.RunOnce(ctx, name)
		if err != nil && ctx.Err() == nil {
			s.log.Error("worker iteration failed", "worker", name, "err", err)
		}
		if ran {
			continue
		}
		timer.Reset(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) reap(ctx context.Context) {
	t := time.NewTicker(s.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("lease reaper failed", "err", err)
			}
		}
	}
}

type runResult struct {
	out  plugin.Outcome
	desc plugin.Descriptor
	err  error
}

// RunOnce claims one due task and runs it to an outcome. It reports false
// when nothing was due.
func (s *Scheduler) RunOnce(ctx context.Context, worker string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	t, err := s.queue.Claim(ctx, worker, s.clock.Now(), s.cfg.Lease)
	if err != nil || t == nil {
		return false, err
	}
	s.claimed.Add(1)
	s.busy.Add(1)
	defer s.busy.Add(-1)

	log := s.log.With("task_id", t.ID, "evidence_id", t.EvidenceID, "plugin", t.Plugin, "attempt", t.Attempt, "worker", worker)
	log.Info("task claimed")

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.running.Store(t.ID, cancel)
	defer s.running.Delete(t.ID)
	if t.CancelRequested {
		cancel(domain.ErrCancelled)
	}

	execCtx, stopTimer := context.WithTimeoutCause(runCtx, s.cfg.TaskTimeout, domain.ErrTimeout)
	defer stopTimer()

	var progress atomic.Int32
	execCtx = plugin.WithProgress(execCtx, func(p int) { progress.Store(int32(min(max(p, 0), 100))) })

	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		s.heartbeat(ctx, t.Lease(), &progress, cancel, hbDone, log)
	}()

	results := make(chan runResult, 1)
	go func() {
		out, desc, err := s.exec.Execute(execCtx, t)
		results <- runResult{out, desc, err}
	}()

	var (
		res       runResult
		abandoned bool
	)
	select {
	case res = <-results:
	case <-execCtx.Done():
		grace := time.NewTimer(s.cfg.CancelGrace)
		select {
		case res = <-results:
		case <-grace.C:
			abandoned = true
			log.Warn("plugin ignored cancellation, abandoning it", "grace", s.cfg.CancelGrace)
		}
		grace.Stop()
	}
	close(hbDone)
	hbWG.Wait()

	// outcome writes must land even when shutting down
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer wcancel()

	cause := context.Cause(execCtx)
	switch {
	case errors.Is(cause, domain.ErrLeaseLost):
		log.Warn("lease lost, dropping outcome")
		return true, nil
	case errors.Is(cause, domain.ErrCancelled) && (abandoned || !res.out.Success):
		s.cancelled.Add(1)
		log.Info("task cancelled")
		return true, s.ignoreLost(s.queue.MarkCancelled(wctx, t.Lease(), s.clock.Now()), log)
	case errors.Is(cause, domain.ErrTimeout) && (abandoned || !res.out.Success):
		s.timedOut.Add(1)
		return true, s.fail(wctx, t, s.exec.Describe(t.Plugin), fmt.Sprintf("%v after %s", domain.ErrTimeout, s.cfg.TaskTimeout), false, log)
	case errors.Is(cause, errShutdown) && (abandoned || !res.out.Success):
		return true, s.fail(wctx, t, s.exec.Describe(t.Plugin), "interrupted by scheduler shutdown", false, log)
	}

	if res.err != nil {
		return true, s.fail(wctx, t, res.desc, res.err.Error(), IsPermanent(res.err), log)
	}
	if !res.out.Success {
		return true, s.fail(wctx, t, res.desc, res.out.Error, false, log)
	}
	return true, s.succeed(wctx, t, res.desc, res.out, log)
}

func (s *Scheduler) heartbeat(ctx context.Context, l domain.Lease, progress *atomic.Int32, cancel context.CancelCauseFunc, done <-chan struct{}, log *slog.Logger) {
	tick := time.NewTicker(s.cfg.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
		}
		cancelReq, err := s.queue.Heartbeat(context.WithoutCancel(ctx), l, int(progress.Load()), s.clock.Now(), s.cfg.Lease)
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			cancel(domain.ErrLeaseLost)
			return
		case err != nil:
			log.Warn("heartbeat failed", "err", err)
		case cancelReq:
			cancel(domain.ErrCancelled)
		}
	}
}

func (s *Scheduler) succeed(ctx context.Context, t *domain.Task, desc plugin.Descriptor, out plugin.Outcome, log *slog.Logger) error {
	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return s.fail(ctx, t, desc, fmt.Sprintf("%v: encode payload: %v", domain.ErrPluginExecution, err), false, log)
	}
	now := s.clock.Now()
	res := &domain.Result{
		ID:            uuid.NewString(),
		EvidenceID:    t.EvidenceID,
		TaskID:        t.ID,
		Plugin:        t.Plugin,
		PluginVersion: desc.Version,
		Success:       true,
		Payload:       payload,
		Actor:         t.Actor,
		CreatedAt:     now,
	}
	ev := s.outcomeEvent(t, desc, custody.ActionAnalyzed, res.ID, now, "")
	err = s.queue.Succeed(ctx, t.Lease(), res, ev, now)
	switch {
	case err == nil:
		s.succeeded.Add(1)
		log.Info("task succeeded", "result_id", res.ID)
		return nil
	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("lease lost before result could be stored")
		return nil
	default:
		log.Error("storing result failed, retrying task", "err", err)
		return errors.Join(err, s.fail(ctx, t, desc, "store result: "+err.Error(), false, log))
	}
}

// fail records a failed attempt. The task is retried with backoff unless
// permanent or out of attempts, in which case a failed Result and an
// ANALYSIS_FAILED event are written.
func (s *Scheduler) fail(ctx context.Context, t *domain.Task, desc plugin.Descriptor, msg string, permanent bool, log *slog.Logger) error {
	return s.ignoreLost(s.failLease(ctx, t, t.Lease(), desc, msg, permanent, log), log)
}

func (s *Scheduler) failLease(ctx context.Context, t *domain.Task, l domain.Lease, desc plugin.Descriptor, msg string, permanent bool, log *slog.Logger) error {
	now := s.clock.Now()
	f := domain.Failure{Error: msg, Final: permanent || t.Attempt >= t.MaxAttempts}
	if !f.Final {
		f.RetryAt = now.Add(s.cfg.Backoff.Delay(t.Attempt))
		if err := s.queue.Fail(ctx, l, f, now); err != nil {
			return err
		}
		s.retried.Add(1)
		log.Warn("task attempt failed, will retry", "err", msg, "retry_at", f.RetryAt)
		return nil
	}

	f.Result = &domain.Result{
		ID:            uuid.NewString(),
		EvidenceID:    t.EvidenceID,
		TaskID:        t.ID,
		Plugin:        t.Plugin,
		PluginVersion: desc.Version,
		Error:         msg,
		Actor:         t.Actor,
		CreatedAt:     now,
	}
	f.Event = s.outcomeEvent(t, desc, custody.ActionAnalysisFailed, f.Result.ID, now, msg)
	if err := s.queue.Fail(ctx, l, f, now); err != nil {
		return err
	}
	s.failed.Add(1)
	log.Warn("task failed permanently", "err", msg, "permanent", permanent)
	return nil
}

func (s *Scheduler) outcomeEvent(t *domain.Task, desc plugin.Descriptor, action custody.Action, resultID string, now time.Time, errMsg string) *custody.Event {
	notes := fmt.Sprintf("plugin=%s version=%s attempt=%d", t.Plugin, desc.Version, t.Attempt)
	if errMsg != "" {
		notes += " error=" + errMsg
	}
	return &custody.Event{
		EvidenceID:   t.EvidenceID,
		Action:       action,
		Actor:        t.Actor,
		ClientOrigin: t.ClientOrigin,
		Notes:        notes,
		Timestamp:    now,
		TaskID:       string(t.ID),
		ResultID:     resultID,
	}
}

func (s *Scheduler) ignoreLost(err error, log *slog.Logger) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("lease lost before outcome could be stored")
		return nil
	}
	return err
}

// ReapOnce fails every RUNNING task whose lease has expired, as if its
// worker crashed. Returns how many were reaped.
func (s *Scheduler) ReapOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.queue.Expired(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range expired {
		log := s.log.With("task_id", t.ID, "evidence_id", t.EvidenceID, "plugin", t.Plugin, "attempt", t.Attempt, "worker", t.LeaseOwner)
		err := s.failLease(ctx, t, t.ExpiredLease(now), s.exec.Describe(t.Plugin), "lease expired: worker lost", false, log)
		if errors.Is(err, domain.ErrLeaseLost) {
			// renewed or finished since the scan
			log.Debug("lease no longer expired, skipping")
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.reaped.Add(1)
	}
	if n > 0 {
		s.Wake()
	}
	return n, nil
}

// Cancel stops a queued task at once; a running one is signalled and
// finishes as CANCELLED when its worker notices.
func (s *Scheduler) Cancel(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	t, err := s.queue.Cancel(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if c, ok := s.running.Load(id); ok {
		c.(context.CancelCauseFunc)(domain.ErrCancelled)
	}
	s.log.Info("task cancel requested", "task_id", id, "state", t.State)
	return t, nil
}

type TaskStatus struct {
	*domain.Task
	Attempts []*domain.Attempt `json:"attempts"`
}

func (s *Scheduler) Status(ctx context.Context, id domain.TaskID) (*TaskStatus, error) {
	t, err := s.queue.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	atts, err := s.queue.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	if atts == nil {
		atts = []*domain.Attempt{}
	}
	return &TaskStatus{Task: t, Attempts: atts}, nil
}

func (s *Scheduler) Tasks(ctx context.Context, evidenceID string) ([]*domain.Task, error) {
	return s.queue.ListByEvidence(ctx, evidenceID)
}

type Stats struct {
	Workers   int               `json:"workers"`
	Busy      int               `json:"busy"`
	Claimed   int64             `json:"claimed"`
	Succeeded int64             `json:"succeeded"`
	Failed    int64             `json:"failed"`
	Retried   int64             `json:"retried"`
	Cancelled int64             `json:"cancelled"`
	TimedOut  int64             `json:"timed_out"`
	Reaped    int64             `json:"reaped"`
	Queue     domain.QueueStats `json:"queue"`
}

// Stats combines this process's counters with the shared queue's state.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	q, err := s.queue.QueueStats(ctx, s.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Workers:   s.cfg.Workers,
		Busy:      int(s.busy.Load()),
		Claimed:   s.claimed.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Cancelled: s.cancelled.Load(),
		TimedOut:  s.timedOut.Load(),
		Reaped:    s.reaped.Load(),
		Queue:     q,
	}, nil
}
