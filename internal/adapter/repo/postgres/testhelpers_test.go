package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements the subset of pgx.Rows the repos touch. The embedded
// interface panics on anything else, which is what we want in a test.
type rowsStub struct {
	pgx.Rows
	scans  []func(dest ...any) error
	idx    int
	rowErr error
}

func (r *rowsStub) Next() bool {
	return r.idx < len(r.scans)
}

func (r *rowsStub) Scan(dest ...any) error {
	scan := r.scans[r.idx]
	r.idx++
	return scan(dest...)
}

func (r *rowsStub) Close()     {}
func (r *rowsStub) Err() error { return r.rowErr }

// poolStub implements postgres.PgxPool for tests and records the last
// statement it saw.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     *rowsStub
	queryErr error

	lastSQL  string
	lastArgs []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL = sql
	p.lastArgs = args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL = sql
	p.lastArgs = args
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL = sql
	p.lastArgs = args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}
