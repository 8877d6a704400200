package rules

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier runs read queries. *sql.DB, *sql.Conn and *sql.Tx satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLFact creates a computed fact backed by a SQL query. The query's
// positional arguments are taken from the fact parameters named in
// paramNames, in order. A single-column result yields the first row's value;
// a multi-column result yields the first row as a column→value map; no rows
// yield nil.
func NewSQLFact(db Querier, id, query string, paramNames []string, opts ...FactOption) (*Fact, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: fact %q requires a database", ErrInvalidFact, id)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: fact %q requires a query", ErrInvalidFact, id)
	}

	compute := func(ctx context.Context, params map[string]any, _ *Almanac) (any, error) {
		args := make([]any, len(paramNames))
		for i, name := range paramNames {
			v, ok := params[name]
			if !ok {
				return nil, fmt.Errorf("fact %s: missing parameter %q", id, name)
			}
			args[i] = v
		}

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fact %s: query failed: %w", id, err)
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("fact %s: failed to read columns: %w", id, err)
		}

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("fact %s: error iterating rows: %w", id, err)
			}
			return nil, nil
		}

		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fact %s: failed to scan row: %w", id, err)
		}

		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}

		if len(columns) == 1 {
			return values[0], nil
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		return row, nil
	}

	return NewFact(id, compute, opts...)
}
