package cql

import (
	"context"
)

// Executor is the query-execution capability the library consumes. It is
// implemented by the integrator on top of their CQL driver session. The
// library never opens connections itself.
//
// Rows returned by Query must page through the full result set transparently;
// callers iterate until Next reports false and then check Err.
type Executor interface {
	Query(ctx context.Context, stmt string, values ...any) (Rows, error)
	Exec(ctx context.Context, stmt string, values ...any) error
}

// Rows iterates a query result as raw column-name-to-value maps.
type Rows interface {
	Next() (map[string]any, bool)
	Err() error
	Close() error
}

type sliceRows struct {
	rows []map[string]any
	pos  int
	err  error
}

// RowsFromSlice wraps pre-materialized rows in a Rows. Adapters with
// non-streaming drivers and tests use it.
func RowsFromSlice(rows []map[string]any) Rows {
	return &sliceRows{rows: rows}
}

func (r *sliceRows) Next() (map[string]any, bool) {
	if r.pos >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true
}

func (r *sliceRows) Err() error { return r.err }

func (r *sliceRows) Close() error { return nil }
