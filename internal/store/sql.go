package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SQLOpener opens database/sql connections for pinned targets.
type SQLOpener struct{}

// NewSQLOpener creates the standard opener.
func NewSQLOpener() *SQLOpener {
	return &SQLOpener{}
}

// Open connects to the target database read-only.
func (o *SQLOpener) Open(ctx context.Context, target ConnectionTarget) (Conn, error) {
	dsn := target.DSN
	if target.Driver == "sqlite3" && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		// Plain paths drop query parameters; only the file: form makes mode=ro stick.
		dsn = "file:" + dsn + "?mode=ro"
	}

	db, err := sql.Open(target.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target.Database, err)
	}
	// Concurrent table checks each draw their own connection; the iteration's
	// fan-out bound caps how many exist at once.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", target.Database, err)
	}

	return &sqlConn{db: db, driver: target.Driver}, nil
}

type sqlConn struct {
	db     *sql.DB
	driver string
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

// quoteIdent quotes a table name for interpolation. Names come from the
// catalog service, not user input, but quoting keeps suffixed names with
// unusual characters intact.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (c *sqlConn) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if err := c.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func (c *sqlConn) EstimateRows(ctx context.Context, table string) (int64, error) {
	if c.driver == "pgx" {
		var est int64
		err := c.db.QueryRowContext(ctx,
			"SELECT reltuples::bigint FROM pg_class WHERE relname = $1", table).Scan(&est)
		if err == nil && est > 0 {
			return est, nil
		}
		// Statistics missing or stale; fall through to the exact count.
	}
	return c.CountRows(ctx, table)
}

func (c *sqlConn) ReadRange(ctx context.Context, table string, offset, limit int64) (*Rows, error) {
	var q string
	var args []interface{}
	if c.driver == "pgx" {
		q = fmt.Sprintf("SELECT * FROM %s ORDER BY id LIMIT $1 OFFSET $2", quoteIdent(table))
		args = []interface{}{limit, offset}
	} else {
		q = fmt.Sprintf("SELECT * FROM %s ORDER BY id LIMIT ? OFFSET ?", quoteIdent(table))
		args = []interface{}{limit, offset}
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at offset %d: %w", table, offset, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *sqlConn) ReadIDRange(ctx context.Context, table string, lo, hi int64) (*Rows, error) {
	var q string
	if c.driver == "pgx" {
		q = fmt.Sprintf("SELECT * FROM %s WHERE id >= $1 AND id < $2 ORDER BY id", quoteIdent(table))
	} else {
		q = fmt.Sprintf("SELECT * FROM %s WHERE id >= ? AND id < ? ORDER BY id", quoteIdent(table))
	}

	rows, err := c.db.QueryContext(ctx, q, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ids [%d,%d): %w", table, lo, hi, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *sqlConn) SampleNative(ctx context.Context, table string, percent float64, limit int64) (*Rows, error) {
	if c.driver != "pgx" {
		return nil, fmt.Errorf("driver %s does not support native sampling", c.driver)
	}
	if percent <= 0 {
		percent = 0.01
	}
	if percent > 100 {
		percent = 100
	}

	q := fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (%.4f) LIMIT $1", quoteIdent(table), percent)
	rows, err := c.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// scanRows drains a result set into column-ordered records.
func scanRows(rows *sql.Rows) (*Rows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &Rows{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result.Records = append(result.Records, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return result, nil
}
