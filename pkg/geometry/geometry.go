// Package geometry applies geometric operations to frames: buffering,
// reprojection, clipping, aggregation to a single shape, centroids and
// simplification. The math itself runs in the DuckDB spatial extension.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/projection"
)

var (
	ErrNoFrame    = errors.New("no frame set")
	ErrNoGeometry = errors.New("frame has no geometry column")
)

// OperationError wraps any failure of a geometry operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Processor owns a frame and replaces it with the result of every operation.
type Processor struct {
	engine *engine.Engine
	frame  *geom.Frame
}

// NewProcessor takes ownership of f, which may be nil.
func NewProcessor(ctx context.Context, e *engine.Engine, f *geom.Frame) *Processor {
	p := &Processor{engine: e}
	p.SetData(ctx, f)
	return p
}

// SetData replaces the frame, releasing the previous one.
func (p *Processor) SetData(ctx context.Context, f *geom.Frame) {
	p.replace(f)
	p.warnInvalid(ctx)
}

// Frame returns the current frame, still owned by the processor.
func (p *Processor) Frame() *geom.Frame {
	return p.frame
}

// Take hands the frame over to the caller.
func (p *Processor) Take() *geom.Frame {
	f := p.frame
	p.frame = nil
	return f
}

func (p *Processor) Release() {
	p.replace(nil)
}

func (p *Processor) replace(f *geom.Frame) {
	if p.frame != nil && p.frame != f {
		p.frame.Release()
	}
	p.frame = f
}

// Invalid geometries are reported, never rejected.
func (p *Processor) warnInvalid(ctx context.Context) {
	if p.frame == nil || !p.frame.HasGeometry() || p.frame.NumRows() == 0 {
		return
	}

	n, err := InvalidCount(ctx, p.engine, p.frame)
	if err != nil {
		slog.Debug("Could not validate geometries", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Some geometries in the frame are invalid", "invalid", n)
	}
}

// InvalidCount returns the number of rows whose geometry is not valid.
func InvalidCount(ctx context.Context, e *engine.Engine, f *geom.Frame) (int64, error) {
	table, drop, err := e.Stage(ctx, f)
	if err != nil {
		return 0, err
	}
	defer drop()

	out, err := e.Scalar(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE NOT ST_IsValid(%s)",
		table,
		geom.GeometryColumn,
	))
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(out, 10, 64)
}

func (p *Processor) check(op string) error {
	if p.frame == nil {
		return &OperationError{Op: op, Err: ErrNoFrame}
	}
	if !p.frame.HasGeometry() {
		return &OperationError{Op: op, Err: ErrNoGeometry}
	}
	return nil
}

// apply renders query against the staged frame and replaces the frame with
// the result. Result rows carry crs.
func (p *Processor) apply(ctx context.Context, op string, crs string, query string, data map[string]string) error {
	table, drop, err := p.engine.Stage(ctx, p.frame)
	if err != nil {
		return &OperationError{Op: op, Err: err}
	}
	defer drop()

	if data == nil {
		data = make(map[string]string)
	}
	data["Table"] = table
	data["GeomCol"] = geom.GeometryColumn

	q, err := engine.Render(query, data)
	if err != nil {
		return &OperationError{Op: op, Err: err}
	}

	out, err := p.engine.QueryFrame(ctx, crs, q)
	if err != nil {
		return &OperationError{Op: op, Err: err}
	}

	p.replace(out)
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// metric wraps a per-geometry expression so it runs in web mercator metres
// and returns to the frame CRS.
func (p *Processor) metric(expr func(string) string) string {
	crs := p.frame.GetCRS()
	inner := projection.Expr(geom.GeometryColumn, crs, geom.WebMercatorCRS)
	return projection.Expr(expr(inner), geom.WebMercatorCRS, crs)
}
