package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/epeers/dividends/internal/models"
)

// SQLiteDividendRepository is the EventStore used with DB_DRIVER=sqlite
type SQLiteDividendRepository struct {
	db *sql.DB
}

// NewSQLiteDividendRepository creates a new SQLiteDividendRepository
func NewSQLiteDividendRepository(db *sql.DB) *SQLiteDividendRepository {
	return &SQLiteDividendRepository{db: db}
}

// Begin starts a new transaction
func (r *SQLiteDividendRepository) Begin(ctx context.Context) (EventTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}
	return &sqliteEventTx{tx: tx}, nil
}

// SelectColumn returns the column values as text, in persisted order
func (r *SQLiteDividendRepository) SelectColumn(ctx context.Context, table, column string) ([]string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	if err := checkColumn(column); err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}

	query := fmt.Sprintf(`SELECT CAST(%s AS TEXT) FROM %s %s`, column, quoted, persistedOrder)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, &PersistenceError{Op: "select", Table: table, Err: err}
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "select", Table: table, Err: err}
	}
	return values, nil
}

type sqliteEventTx struct {
	tx *sql.Tx
}

func (t *sqliteEventTx) DropTableIfExists(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return &PersistenceError{Op: "drop table", Table: table, Err: err}
	}
	if _, err := t.tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoted); err != nil {
		return &PersistenceError{Op: "drop table", Table: table, Err: err}
	}
	return nil
}

func (t *sqliteEventTx) CreateTable(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return &PersistenceError{Op: "create table", Table: table, Err: err}
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(createEventTableSQL, quoted)); err != nil {
		return &PersistenceError{Op: "create table", Table: table, Err: err}
	}
	return nil
}

func (t *sqliteEventTx) BulkInsert(ctx context.Context, table string, events []models.DividendEvent) (int, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return 0, &PersistenceError{Op: "insert", Table: table, Err: err}
	}
	if len(events) == 0 {
		return 0, nil
	}

	stmt, err := t.tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (symbol, ex_dividend_date, dividend_amount, dividend_rate)
		VALUES (?, ?, ?, ?)
	`, quoted))
	if err != nil {
		return 0, &PersistenceError{Op: "insert", Table: table, Err: err}
	}
	defer stmt.Close()

	// Dates are stored as ISO text, decimals as their exact string form
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Symbol, e.ExDividendDate.String(), e.DividendAmount.String(), e.DividendYieldPercent.String()); err != nil {
			return 0, &PersistenceError{Op: "insert", Table: table, Err: fmt.Errorf("symbol %s: %w", e.Symbol, err)}
		}
	}
	return len(events), nil
}

func (t *sqliteEventTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *sqliteEventTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}
