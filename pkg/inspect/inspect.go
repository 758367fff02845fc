// Package inspect summarizes frames for display: first and last rows,
// CRS, shape and column types.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
)

// DefaultRows is the row count of Head and Tail when none is given.
const DefaultRows = 5

var ErrNoFrame = errors.New("no frame set")

// OperationError wraps any failure of an inspection.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("inspect %s operation failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Table is a rendered slice of a frame, every cell already a string.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Column is a column name with its type name.
type Column struct {
	Name string
	Type string
}

// Processor inspects a frame without taking ownership of it.
type Processor struct {
	engine *engine.Engine
	frame  *geom.Frame
}

func NewProcessor(e *engine.Engine, f *geom.Frame) *Processor {
	return &Processor{engine: e, frame: f}
}

func (p *Processor) SetData(f *geom.Frame) {
	p.frame = f
}

const sliceQuery = `
select {{range $i, $c := .Columns}}{{if $i}}, {{end}}{{$c}}{{end}}
from {{.Table}}
order by rowid
limit {{.Limit}} offset {{.Offset}}
`

// Head returns the first n rows, geometries shown as KIND(...).
func (p *Processor) Head(ctx context.Context, n int) (*Table, error) {
	if n <= 0 {
		n = DefaultRows
	}
	return p.slice(ctx, "head", n, 0)
}

// Tail returns the last n rows, geometries shown as KIND(...).
func (p *Processor) Tail(ctx context.Context, n int) (*Table, error) {
	if p.frame == nil {
		return nil, &OperationError{Op: "tail", Err: ErrNoFrame}
	}
	if n <= 0 {
		n = DefaultRows
	}
	offset := p.frame.NumRows() - int64(n)
	if offset < 0 {
		offset = 0
	}
	return p.slice(ctx, "tail", n, offset)
}

func (p *Processor) slice(ctx context.Context, op string, limit int, offset int64) (*Table, error) {
	if p.frame == nil {
		return nil, &OperationError{Op: op, Err: ErrNoFrame}
	}

	table, drop, err := p.engine.Stage(ctx, p.frame)
	if err != nil {
		return nil, &OperationError{Op: op, Err: err}
	}
	defer drop()

	names := p.frame.Columns()
	selected := make([]string, len(names))
	for i, name := range names {
		if name == geom.GeometryColumn && p.frame.HasGeometry() {
			selected[i] = fmt.Sprintf("ST_AsText(%[1]s) as %[1]s", engine.Ident(name))
			continue
		}
		selected[i] = engine.Ident(name)
	}

	q, err := engine.Render(sliceQuery, map[string]any{
		"Columns": selected,
		"Table":   table,
		"Limit":   limit,
		"Offset":  offset,
	})
	if err != nil {
		return nil, &OperationError{Op: op, Err: err}
	}

	_, recs, err := p.engine.Query(ctx, q)
	if err != nil {
		return nil, &OperationError{Op: op, Err: err}
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	out := &Table{Columns: names}
	for _, rec := range recs {
		for row := 0; row < int(rec.NumRows()); row++ {
			cells := make([]string, rec.NumCols())
			for col := range cells {
				arr := rec.Column(col)
				switch {
				case arr.IsNull(row):
					cells[col] = "None"
				case names[col] == geom.GeometryColumn && p.frame.HasGeometry():
					cells[col] = SimplifyGeomRepr(arr.ValueStr(row))
				default:
					cells[col] = arr.ValueStr(row)
				}
			}
			out.Rows = append(out.Rows, cells)
		}
	}

	slog.Debug("Inspected rows", "op", op, "rows", len(out.Rows))
	return out, nil
}

func (p *Processor) CRS() (string, error) {
	if p.frame == nil {
		return "", &OperationError{Op: "crs", Err: ErrNoFrame}
	}
	return p.frame.GetCRS(), nil
}

// Shape returns the row and column counts.
func (p *Processor) Shape() (int64, int, error) {
	if p.frame == nil {
		return 0, 0, &OperationError{Op: "shape", Err: ErrNoFrame}
	}
	return p.frame.NumRows(), p.frame.NumCols(), nil
}

// Dtypes lists the columns in schema order. The WKB geometry column is
// reported as "geometry".
func (p *Processor) Dtypes() ([]Column, error) {
	if p.frame == nil {
		return nil, &OperationError{Op: "dtypes", Err: ErrNoFrame}
	}

	schema := p.frame.GetSchema()
	out := make([]Column, 0, schema.NumFields())
	for _, field := range schema.Fields() {
		out = append(out, Column{Name: field.Name, Type: typeName(field)})
	}
	return out, nil
}

func typeName(field arrow.Field) string {
	if field.Name == geom.GeometryColumn {
		switch field.Type.ID() {
		case arrow.BINARY, arrow.LARGE_BINARY:
			return "geometry"
		}
	}
	return field.Type.String()
}

// SimplifyGeomRepr shortens a WKT string to its kind, e.g. "POINT(...)".
func SimplifyGeomRepr(wkt string) string {
	if strings.TrimSpace(wkt) == "" {
		return "None"
	}
	kind, ok := geom.WKTType(wkt)
	if !ok {
		return wkt
	}
	return string(kind) + "(...)"
}

// Print writes the table with tab aligned columns.
func (t *Table) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Columns, "\t"))
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// PrintDtypes writes one "name  type" line per column.
func PrintDtypes(w io.Writer, cols []Column) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range cols {
		fmt.Fprintf(tw, "%s\t%s\n", c.Name, c.Type)
	}
	return tw.Flush()
}
