// Package data filters frame rows by attribute predicates.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
)

var (
	ErrEmptyQuery   = errors.New("empty query expression")
	ErrInvalidQuery = errors.New("query expression must be a single predicate")
)

// OperationError wraps any failure of a data operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("data %s operation failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

const filterQuery = `select * from {{.Table}} where {{.Expr}}`

// Query keeps the rows of f matching expr, a DuckDB SQL predicate over the
// frame columns such as "value > 15 and category == 'X'". The result keeps
// the CRS of f; f stays owned by the caller.
func Query(ctx context.Context, e *engine.Engine, f *geom.Frame, expr string) (*geom.Frame, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &OperationError{Op: "query", Err: ErrEmptyQuery}
	}
	if strings.Contains(expr, ";") {
		return nil, &OperationError{Op: "query", Err: ErrInvalidQuery}
	}
	if f == nil {
		return nil, &OperationError{Op: "query", Err: errors.New("no frame set")}
	}

	slog.Info("Filtering data", "query", expr)

	table, drop, err := e.Stage(ctx, f)
	if err != nil {
		return nil, &OperationError{Op: "query", Err: err}
	}
	defer drop()

	q, err := engine.Render(filterQuery, map[string]string{"Table": table, "Expr": expr})
	if err != nil {
		return nil, &OperationError{Op: "query", Err: err}
	}

	var out *geom.Frame
	if f.HasGeometry() {
		out, err = e.QueryFrame(ctx, f.GetCRS(), q)
	} else {
		out, err = e.QueryTable(ctx, f.GetCRS(), q)
	}
	if err != nil {
		return nil, &OperationError{Op: "query", Err: fmt.Errorf("%q: %w", expr, err)}
	}

	slog.Debug("Query finished", "rows", out.NumRows())
	return out, nil
}
