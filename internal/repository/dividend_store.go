package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/epeers/dividends/internal/models"
	"github.com/jackc/pgx/v5"
)

var (
	ErrInvalidTable  = errors.New("invalid table name")
	ErrUnknownColumn = errors.New("unknown column")
)

// PersistenceError wraps any failure of the event store
type PersistenceError struct {
	Op    string
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// EventStore persists the dividend events of a run
type EventStore interface {
	Begin(ctx context.Context) (EventTx, error)
	// SelectColumn returns one column of every row, in persisted order
	// (dividend_rate descending, then symbol)
	SelectColumn(ctx context.Context, table, column string) ([]string, error)
}

// EventTx is a transaction over the event table. Rollback after Commit is a no-op.
type EventTx interface {
	DropTableIfExists(ctx context.Context, table string) error
	CreateTable(ctx context.Context, table string) error
	// BulkInsert inserts all events or none of them
	BulkInsert(ctx context.Context, table string, events []models.DividendEvent) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// eventColumns are the columns SelectColumn accepts
var eventColumns = map[string]bool{
	"symbol":           true,
	"ex_dividend_date": true,
	"dividend_amount":  true,
	"dividend_rate":    true,
}

// quoteTable validates a table name and returns it quoted.
// Double quoted identifiers are valid in both Postgres and SQLite.
func quoteTable(table string) (string, error) {
	if !tableName.MatchString(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

func checkColumn(column string) error {
	if !eventColumns[column] {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	return nil
}

// The CHECK constraints reject rows the symbol and rate invariants forbid,
// so neither backend stores a structurally invalid event. The numeric
// columns carry no scale so amounts keep every source digit.
const createEventTableSQL = `
	CREATE TABLE %s (
		symbol           VARCHAR(10)    NOT NULL CHECK (length(symbol) BETWEEN 1 AND 10),
		ex_dividend_date DATE           NOT NULL,
		dividend_amount  NUMERIC        NOT NULL CHECK (dividend_amount >= 0),
		dividend_rate    NUMERIC        NOT NULL CHECK (dividend_rate >= 0)
	)
`

const persistedOrder = `ORDER BY dividend_rate DESC, symbol ASC`
