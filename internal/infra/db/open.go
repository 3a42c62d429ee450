// Package db picks the backend named in config and returns a migrated pool.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryanwahyu/automaton-hardening/internal/config"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/mysql"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlite"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlstore"
)

func Open(ctx context.Context, cfg *config.Config) (*sql.DB, sqlstore.Dialect, error) {
	var (
		conn    *sql.DB
		dialect sqlstore.Dialect
		err     error
	)
	switch cfg.Database.Driver {
	case "postgres":
		dialect = sqlstore.Postgres
		conn, err = postgres.Connect(ctx, cfg.PostgresDSN())
	case "sqlite":
		dialect = sqlstore.SQLite
		conn, err = sqlite.Open(ctx, cfg.Database.Path)
	default:
		dialect = sqlstore.MySQL
		conn, err = mysql.Connect(ctx, cfg.MySQLDSN())
	}
	if err != nil {
		return nil, dialect, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}
	if err := sqlstore.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, dialect, err
	}
	return conn, dialect, nil
}
