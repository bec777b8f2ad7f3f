package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/epeers/dividends/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DividendRepository is the Postgres EventStore
type DividendRepository struct {
	pool *pgxpool.Pool
}

// NewDividendRepository creates a new DividendRepository
func NewDividendRepository(pool *pgxpool.Pool) *DividendRepository {
	return &DividendRepository{pool: pool}
}

// Begin starts a new transaction
func (r *DividendRepository) Begin(ctx context.Context) (EventTx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}
	return &pgEventTx{tx: tx}, nil
}

// SelectColumn returns the column values as text, in persisted order
func (r *DividendRepository) SelectColumn(ctx context.Context, table, column string) ([]string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	if err := checkColumn(column); err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}

	query := fmt.Sprintf(`SELECT %s::text FROM %s %s`, column, quoted, persistedOrder)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	return values, nil
}

type pgEventTx struct {
	tx pgx.Tx
}

func (t *pgEventTx) DropTableIfExists(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return &PersistenceError{Op: "drop table", Table: table, Err: err}
	}
	if _, err := t.tx.Exec(ctx, `DROP TABLE IF EXISTS `+quoted); err != nil {
		return &PersistenceError{Op: "drop table", Table: table, Err: err}
	}
	return nil
}

func (t *pgEventTx) CreateTable(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return &PersistenceError{Op: "create table", Table: table, Err: err}
	}
	if _, err := t.tx.Exec(ctx, fmt.Sprintf(createEventTableSQL, quoted)); err != nil {
		return &PersistenceError{Op: "create table", Table: table, Err: err}
	}
	return nil
}

func (t *pgEventTx) BulkInsert(ctx context.Context, table string, events []models.DividendEvent) (int, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return 0, &PersistenceError{Op: "insert", Table: table, Err: err}
	}
	if len(events) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (symbol, ex_dividend_date, dividend_amount, dividend_rate)
		VALUES ($1, $2, $3::numeric, $4::numeric)
	`, quoted)

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query, e.Symbol, e.ExDividendDate.Time, e.DividendAmount.String(), e.DividendYieldPercent.String())
	}

	// The batch must be closed before the transaction can be used again
	br := t.tx.SendBatch(ctx, batch)
	for _, e := range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, &PersistenceError{Op: "insert", Table: table, Err: fmt.Errorf("symbol %s: %w", e.Symbol, err)}
		}
	}
	if err := br.Close(); err != nil {
		return 0, &PersistenceError{Op: "insert", Table: table, Err: err}
	}
	return len(events), nil
}

func (t *pgEventTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *pgEventTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return &PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}
