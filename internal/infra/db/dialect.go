// Package db holds what the repositories need to know about each SQL engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

type Dialect struct {
	Name string
	// Schema statements are idempotent and run in order.
	Schema []string
	// ForUpdate is appended to row-locking SELECTs inside a transaction.
	// Empty where the engine already serializes writers.
	ForUpdate string
	// Numbered placeholders ($1, $2...) instead of ?.
	Numbered bool
	// UniqueViolation reports a primary key or unique constraint error.
	UniqueViolation func(error) bool
}

// Rebind rewrites ? placeholders for engines that number them.
func (d Dialect) Rebind(q string) string {
	if !d.Numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d Dialect) IsUniqueViolation(err error) bool {
	return err != nil && d.UniqueViolation != nil && d.UniqueViolation(err)
}

// Migrate applies the dialect schema.
func Migrate(ctx context.Context, conn *sql.DB, d Dialect) error {
	for i, stmt := range d.Schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema step %d: %w", d.Name, i, err)
		}
	}
	return nil
}
