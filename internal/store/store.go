// Package store provides read-only access to a version-pinned annotation
// store through database/sql. The canary never writes to the store.
package store

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// ConnectionTarget addresses one immutable materialization database. Targets
// are value types; the Recovering transition replaces them wholesale.
type ConnectionTarget struct {
	// Driver is the database/sql driver name: pgx, sqlite3
	Driver string

	// DSN is the full connection string for the version-scoped database
	DSN string

	// Database is the version-scoped database name, for logging and alerts
	Database string
}

// TargetFor builds the connection target for one pinned version.
// The database name is snapshot-scoped (datastack__matN), never a floating
// "latest" alias, so samples and resolver timestamps agree on content.
func TargetFor(driver, connectionBase, datastack string, version int) ConnectionTarget {
	db := fmt.Sprintf("%s__mat%d", datastack, version)
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path.Join(connectionBase, db+".db")
	default:
		dsn = strings.TrimRight(connectionBase, "/") + "/" + db
	}
	return ConnectionTarget{Driver: driver, DSN: dsn, Database: db}
}

// Rows is one table's sampled data: column names plus row records in column
// order. Rows are ephemeral and read-only.
type Rows struct {
	Columns []string
	Records [][]interface{}
}

// Len returns the number of sampled records.
func (r *Rows) Len() int {
	return len(r.Records)
}

// columnIndex returns the position of a named column, or -1.
func (r *Rows) columnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the sample carries the named column.
func (r *Rows) HasColumn(name string) bool {
	return r.columnIndex(name) >= 0
}

// Uint64Column extracts a whole column of ids, preserving row order.
// Stores hand ids back as int64 or uint64 depending on driver.
func (r *Rows) Uint64Column(name string) ([]uint64, error) {
	idx := r.columnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("column %s not present in sample", name)
	}
	out := make([]uint64, len(r.Records))
	for i, rec := range r.Records {
		v, err := toUint64(rec[idx])
		if err != nil {
			return nil, fmt.Errorf("column %s row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// RowID returns the primary-key id of one record, or -1 when the sample has
// no id column.
func (r *Rows) RowID(i int) int64 {
	idx := r.columnIndex("id")
	if idx < 0 || i >= len(r.Records) {
		return -1
	}
	v, err := toUint64(r.Records[i][idx])
	if err != nil {
		return -1
	}
	return int64(v)
}

func toUint64(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case int64:
		return uint64(x), nil
	case int:
		return uint64(x), nil
	case []byte:
		var n uint64
		if _, err := fmt.Sscanf(string(x), "%d", &n); err != nil {
			return 0, fmt.Errorf("non-numeric value %q", string(x))
		}
		return n, nil
	case string:
		var n uint64
		if _, err := fmt.Sscanf(x, "%d", &n); err != nil {
			return 0, fmt.Errorf("non-numeric value %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}

// Conn is a read-only connection to one version-pinned database. A Conn lives
// for at most one iteration, is safe for concurrent table checks, and is
// closed deterministically when the iteration completes.
type Conn interface {
	// CountRows returns the exact row count of a table.
	CountRows(ctx context.Context, table string) (int64, error)

	// EstimateRows returns a cheap row-count estimate where the store keeps
	// statistics, falling back to an exact count.
	EstimateRows(ctx context.Context, table string) (int64, error)

	// ReadRange reads up to limit rows ordered by id starting at offset.
	ReadRange(ctx context.Context, table string, offset, limit int64) (*Rows, error)

	// ReadIDRange reads rows whose id falls in [lo, hi).
	ReadIDRange(ctx context.Context, table string, lo, hi int64) (*Rows, error)

	// SampleNative draws an approximate percentage of rows server-side,
	// capped at limit.
	SampleNative(ctx context.Context, table string, percent float64, limit int64) (*Rows, error)

	// Close releases the connection.
	Close() error
}

// Opener opens connections to pinned targets. The orchestrator holds one
// Opener for the process lifetime and opens one Conn per iteration.
type Opener interface {
	Open(ctx context.Context, target ConnectionTarget) (Conn, error)
}
