// Package sqlstore holds the repositories shared by the mysql, postgres and
// sqlite backends. Queries are written with ? placeholders and rebound for
// postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

type Dialect int

const (
	MySQL Dialect = iota
	Postgres
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return "mysql"
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type store struct {
	db      *sql.DB
	dialect Dialect
}

// rebind rewrites ? placeholders to $1..$n for postgres.
func (s store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insert runs an INSERT and returns the new id.
func (s store) insert(ctx context.Context, ex execer, q string, args ...any) (int64, error) {
	if s.dialect == Postgres {
		var id int64
		err := ex.QueryRowContext(ctx, s.rebind(q)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// dashIfEmpty returns "-" when the input is empty/whitespace
func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
