// Package store implements the evidence, custody, task and result
// repositories on database/sql for every supported engine.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/infra/db"
)

type Store struct {
	db    *sql.DB
	d     db.Dialect
	seal  *custody.Sealer
	locks *keyedMutex
}

func New(conn *sql.DB, d db.Dialect, sealer *custody.Sealer) *Store {
	return &Store{db: conn, d: d, seal: sealer, locks: newKeyedMutex()}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) q(query string) string { return s.d.Rebind(query) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// keyedMutex serializes work per key within this process. Cross-process
// ordering comes from the row lock taken in appendTx.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
