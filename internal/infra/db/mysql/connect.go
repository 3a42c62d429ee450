package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "github.com/go-sql-driver/mysql"
)

const (
	pingAttempts = 5
	pingDelay    = time.Second
	pingMaxDelay = 10 * time.Second
)

// Connect opens the pool and waits for the server, retrying while it boots.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(func() error {
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(ctx2)
	}, retry.Attempts(pingAttempts), retry.Delay(pingDelay), retry.MaxDelay(pingMaxDelay))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return db, nil
}
