package analysis

import (
	"encoding/json"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
)

type TaskID string

type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

var allowedTransitions = map[TaskState]map[TaskState]bool{
	TaskQueued: {
		TaskRunning:   true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskQueued:    true, // retry
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
}

func CanTransition(from, to TaskState) bool {
	return allowedTransitions[from][to]
}

func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is a durable unit of plugin work against one evidence item.
type Task struct {
	ID              TaskID    `json:"id"`
	EvidenceID      string    `json:"evidence_id"`
	Plugin          string    `json:"plugin"`
	State           TaskState `json:"state"`
	Attempt         int       `json:"attempt"`
	MaxAttempts     int       `json:"max_attempts"`
	Progress        int       `json:"progress"`
	NextRetryAt     time.Time `json:"next_retry_at"`
	ResultID        string    `json:"result_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LeaseOwner      string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at,omitempty"`
	ClaimedAt       time.Time `json:"claimed_at,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	Actor           string    `json:"actor"`
	ClientOrigin    string    `json:"client_origin"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Lease identifies one claimed attempt of a task. Every state change made
// by a worker is conditional on the lease still being current.
type Lease struct {
	TaskID     TaskID
	EvidenceID string
	Worker     string
	Attempt    int
	// ExpiredBefore, when set, restricts a write to a lease whose expiry is
	// still before this instant. Used by the reaper.
	ExpiredBefore time.Time
}

func (t *Task) Lease() Lease {
	return Lease{TaskID: t.ID, EvidenceID: t.EvidenceID, Worker: t.LeaseOwner, Attempt: t.Attempt}
}

// ExpiredLease is the lease as seen by the reaper at now.
func (t *Task) ExpiredLease(now time.Time) Lease {
	l := t.Lease()
	l.ExpiredBefore = now
	return l
}

// Attempt is one row of the per-task attempt log.
type Attempt struct {
	TaskID     TaskID    `json:"task_id"`
	Number     int       `json:"attempt"`
	Worker     string    `json:"worker"`
	Outcome    TaskState `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Result is the immutable output of one successful or failed plugin run.
type Result struct {
	ID            string          `json:"id"`
	EvidenceID    string          `json:"evidence_id"`
	TaskID        TaskID          `json:"task_id"`
	Plugin        string          `json:"plugin"`
	PluginVersion string          `json:"plugin_version"`
	Success       bool            `json:"success"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	Actor         string          `json:"actor"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Failure describes how a worker gives up on a leased attempt. Result and
// Event are recorded only when Final.
type Failure struct {
	Error   string
	Final   bool
	RetryAt time.Time
	Result  *Result
	Event   *custody.Event
}

type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type QueueStats struct {
	ByState map[TaskState]int `json:"by_state"`
	Expired int               `json:"expired_leases"`
}
