package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/bryanwahyu/custodia/internal/infra/db"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx2); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func Dialect() db.Dialect {
	return db.Dialect{
		Name:            "postgres",
		Schema:          schema,
		ForUpdate:       " FOR UPDATE",
		Numbered:        true,
		UniqueViolation: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}
