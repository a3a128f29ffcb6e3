package output

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relieftools/harvester/internal/metrics"
)

// PgxIface is the slice of pgxpool.Pool the sink needs, mockable in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

const createValuesTable = `
CREATE TABLE IF NOT EXISTS harvest_values (
	tab        TEXT    NOT NULL,
	row_number INTEGER NOT NULL,
	header     TEXT    NOT NULL,
	hxltag     TEXT    NOT NULL,
	value      TEXT,
	PRIMARY KEY (tab, row_number, header)
)`

// PostgresSink persists tabs as long-format rows in the harvest_values
// table: one record per cell, keyed by tab, data row number and header.
type PostgresSink struct {
	db  PgxIface
	ctx context.Context
}

// NewPostgresSink connects a pool and ensures the schema exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresSinkWithDB(ctx, pool)
}

// NewPostgresSinkWithDB wraps an existing connection, used by tests.
func NewPostgresSinkWithDB(ctx context.Context, db PgxIface) (*PostgresSink, error) {
	if _, err := db.Exec(ctx, createValuesTable); err != nil {
		return nil, fmt.Errorf("create harvest_values: %w", err)
	}
	return &PostgresSink{db: db, ctx: ctx}, nil
}

func (p *PostgresSink) UpdateTab(name string, rows [][]any) error {
	if len(rows) < 2 {
		return fmt.Errorf("tab %s: need header and hashtag rows", name)
	}
	headers := rows[0]
	hxltags := rows[1]
	tx, err := p.db.Begin(p.ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(p.ctx)

	if _, err := tx.Exec(p.ctx, "DELETE FROM harvest_values WHERE tab = $1", name); err != nil {
		return fmt.Errorf("clear tab %s: %w", name, err)
	}
	const insert = `INSERT INTO harvest_values (tab, row_number, header, hxltag, value)
		VALUES ($1, $2, $3, $4, $5)`
	for n, row := range rows[2:] {
		for i, cell := range row {
			if i >= len(headers) {
				break
			}
			tag := ""
			if i < len(hxltags) {
				tag = fmt.Sprintf("%v", hxltags[i])
			}
			value := ""
			if cell != nil {
				value = fmt.Sprintf("%v", cell)
			}
			if _, err := tx.Exec(p.ctx, insert,
				name, n+1, fmt.Sprintf("%v", headers[i]), tag, value); err != nil {
				return fmt.Errorf("insert tab %s row %d: %w", name, n+1, err)
			}
		}
	}
	if err := tx.Commit(p.ctx); err != nil {
		return fmt.Errorf("commit tab %s: %w", name, err)
	}
	metrics.ObserveTabWrite("postgres")
	return nil
}

func (p *PostgresSink) Save() error { return nil }

func (p *PostgresSink) Close() error {
	p.db.Close()
	return nil
}
