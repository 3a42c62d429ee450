package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "github.com/lib/pq"
)

// Connect opens a lib/pq pool and pings it with retry.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
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
	}, retry.Attempts(5), retry.Delay(time.Second), retry.MaxDelay(10*time.Second))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
