package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/bryanwahyu/custodia/internal/infra/db"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)

	// test ping
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
		Name:            "mysql",
		Schema:          schema,
		ForUpdate:       " FOR UPDATE",
		UniqueViolation: isUniqueViolation,
	}
}

// ER_DUP_ENTRY
const errDupEntry = 1062

func isUniqueViolation(err error) bool {
	var me *driver.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}
