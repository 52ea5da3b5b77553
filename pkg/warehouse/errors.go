package warehouse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// SchemaEvolutionError reports a column that could not be added to the fact
// table.
type SchemaEvolutionError struct {
	Table  string
	Column string
	Err    error
}

func (e *SchemaEvolutionError) Error() string {
	return fmt.Sprintf("add column %q to %s: %v", e.Column, e.Table, e.Err)
}

func (e *SchemaEvolutionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write to the fact table, the watermark
// index or the reference tables.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

const (
	pgDuplicateColumn    = "42701"
	mysqlDuplicateColumn = 1060
)

// isDuplicateColumn reports whether err says the column already exists.
func isDuplicateColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgDuplicateColumn
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateColumn
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}
