// Package analysis runs plugins against evidence asynchronously: the
// Dispatcher validates and enqueues, the Scheduler's workers execute.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bryanwahyu/custodia/internal/application"
	domain "github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// Catalog is the read side of the plugin registry.
type Catalog interface {
	Lookup(name string) (plugin.Plugin, plugin.Descriptor, error)
	Applicable(filename, contentType string) []plugin.Descriptor
	List() []plugin.Descriptor
}

// EvidenceReader gives plugins decrypted content without logging a read;
// the task outcome event covers the access.
type EvidenceReader interface {
	Get(ctx context.Context, id evidence.ID) (*evidence.Item, error)
	OpenForAnalysis(ctx context.Context, id evidence.ID) (io.ReadCloser, error)
}

type Dispatcher struct {
	Plugins     Catalog
	Evidence    EvidenceReader
	Queue       domain.Queue
	Clock       application.Clock
	Log         *slog.Logger
	MaxAttempts int
	// OnEnqueue is called after every successful enqueue, typically
	// Scheduler.Wake.
	OnEnqueue func()
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Command untuk dispatch plugin
type DispatchCommand struct {
	EvidenceID   string
	Plugin       string
	Actor        string
	ClientOrigin string
}

// Dispatch validates the plugin and the evidence item and queues a task.
// It never runs the plugin inline.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd DispatchCommand) (*domain.Task, error) {
	name := strings.TrimSpace(cmd.Plugin)
	if _, _, err := d.Plugins.Lookup(name); err != nil {
		return nil, err
	}
	it, err := d.Evidence.Get(ctx, evidence.ID(cmd.EvidenceID))
	if err != nil {
		return nil, err
	}
	if it.State == evidence.StateIntegrityFailed {
		return nil, fmt.Errorf("%w: evidence %s failed verification", evidence.ErrIntegrity, it.ID)
	}
	return d.enqueue(ctx, it, name, cmd.Actor, cmd.ClientOrigin)
}

// DispatchApplicable queues every enabled plugin that supports the item.
func (d *Dispatcher) DispatchApplicable(ctx context.Context, it *evidence.Item, actor, origin string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, desc := range d.Plugins.Applicable(it.OriginalFilename, it.ContentType) {
		t, err := d.enqueue(ctx, it, desc.Name, actor, origin)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, it *evidence.Item, name, actor, origin string) (*domain.Task, error) {
	if actor == "" {
		actor = "anonymous"
	}
	max := d.MaxAttempts
	if max <= 0 {
		max = 3
	}
	now := d.Clock.Now()
	t := &domain.Task{
		ID:           domain.TaskID(uuid.NewString()),
		EvidenceID:   string(it.ID),
		Plugin:       name,
		State:        domain.TaskQueued,
		MaxAttempts:  max,
		NextRetryAt:  now,
		Actor:        actor,
		ClientOrigin: origin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.Queue.Enqueue(ctx, t); err != nil {
		return nil, err
	}
	d.log().Info("analysis queued", "task_id", t.ID, "evidence_id", t.EvidenceID, "plugin", name, "actor", actor)
	if d.OnEnqueue != nil {
		d.OnEnqueue()
	}
	return t, nil
}

func (d *Dispatcher) List() []plugin.Descriptor { return d.Plugins.List() }

// Describe returns the registered descriptor for name, enabled or not.
func (d *Dispatcher) Describe(name string) plugin.Descriptor {
	_, desc, _ := d.Plugins.Lookup(name)
	if desc.Name == "" {
		desc.Name = name
	}
	return desc
}

// errPermanent marks failures no retry can fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func IsPermanent(err error) bool {
	var p errPermanent
	return errors.As(err, &p)
}

// Execute runs the task's plugin. Plugin failures and panics come back as a
// failed Outcome; the returned error is set only for permanent conditions
// (plugin gone or disabled, evidence gone or tampered).
func (d *Dispatcher) Execute(ctx context.Context, t *domain.Task) (out plugin.Outcome, desc plugin.Descriptor, err error) {
	p, desc, err := d.Plugins.Lookup(t.Plugin)
	if err != nil {
		return plugin.Outcome{}, d.Describe(t.Plugin), errPermanent{err}
	}
	it, err := d.Evidence.Get(ctx, evidence.ID(t.EvidenceID))
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			err = errPermanent{err}
		}
		return plugin.Outcome{}, desc, err
	}

	var (
		mu      sync.Mutex
		openErr error
	)
	ref := plugin.EvidenceRef{
		ID:          string(it.ID),
		Filename:    it.OriginalFilename,
		ContentType: it.ContentType,
		Size:        it.Size,
		SHA256:      it.SHA256,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			rc, err := d.Evidence.OpenForAnalysis(ctx, it.ID)
			if err != nil {
				mu.Lock()
				openErr = err
				mu.Unlock()
				return nil, err
			}
			return &trackedReader{ReadCloser: rc, mu: &mu, err: &openErr}, nil
		},
	}

	defer func() {
		if r := recover(); r != nil {
			d.log().Error("plugin panicked", "task_id", t.ID, "plugin", t.Plugin, "panic", r, "stack", string(debug.Stack()))
			out = plugin.Failedf("%v: panic: %v", domain.ErrPluginExecution, r)
			err = nil
		}
	}()
	out = p.Execute(ctx, ref)

	mu.Lock()
	defer mu.Unlock()
	if errors.Is(openErr, evidence.ErrIntegrity) {
		return out, desc, errPermanent{openErr}
	}
	return out, desc, nil
}

// trackedReader remembers integrity errors seen while the plugin reads.
type trackedReader struct {
	io.ReadCloser
	mu  *sync.Mutex
	err *error
}

func (r *trackedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && errors.Is(err, evidence.ErrIntegrity) {
		r.mu.Lock()
		*r.err = err
		r.mu.Unlock()
	}
	return n, err
}
