// Package h3 covers frame geometries with H3 hexagonal cells using the
// DuckDB h3 community extension.
package h3

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

const (
	MinResolution = 0
	MaxResolution = 15

	// Column holding the cell identifiers of a polyfill result
	HexColumn = "hex"
)

var (
	ErrInvalidResolution = errors.New("invalid h3 resolution")
	ErrInvalidCell       = errors.New("invalid h3 cell identifier")
	ErrNoGeometry        = errors.New("frame has no geometry column")
)

// OperationError wraps any failure of an H3 operation.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("h3 %s operation failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

const invalidPartsQuery = `
with dumped as (
	select unnest(ST_Dump({{.GeomCol}})) as d from {{.Table}}
)
select count(*) from dumped where not ST_IsValid(d.geom)
`

const polyfillQuery = `
with dumped as (
	select unnest(ST_Dump({{.GeomCol}})) as d from {{.Table}}
),
polygons as (
	select d.geom as part from dumped
	where ST_GeometryType(d.geom)::VARCHAR = 'POLYGON' and ST_IsValid(d.geom)
),
cells as (
	select distinct unnest(h3_polygon_wkt_to_cells_string(ST_AsText(part), {{.Resolution}})) as {{.HexCol}}
	from polygons
)
select {{.HexCol}}{{if .Geometry}}, ST_GeomFromText(h3_cell_to_boundary_wkt({{.HexCol}})) as {{.GeomCol}}{{end}}
from cells
order by {{.HexCol}}
`

// Polyfill covers every polygon of the frame with cells at the given
// resolution. Multi-part geometries are exploded first and invalid parts
// skipped. The result has one row per distinct cell, with the hexagon
// boundary in EPSG:4326 when includeGeometry is set. f stays owned by the caller.
func Polyfill(ctx context.Context, e *engine.Engine, f *geom.Frame, resolution int, includeGeometry bool) (*geom.Frame, error) {
	if resolution < MinResolution || resolution > MaxResolution {
		return nil, &OperationError{
			Op:  "polyfill",
			Err: fmt.Errorf("%w: %d, must be between %d and %d", ErrInvalidResolution, resolution, MinResolution, MaxResolution),
		}
	}
	if f == nil || !f.HasGeometry() {
		return nil, &OperationError{Op: "polyfill", Err: ErrNoGeometry}
	}

	slog.Info("Applying H3 polyfill", "resolution", resolution)

	if err := e.Require(ctx, engine.H3); err != nil {
		return nil, &OperationError{Op: "polyfill", Err: err}
	}

	// H3 works on WGS84 coordinates
	if !geom.SameCRS(f.GetCRS(), geom.DefaultCRS) {
		moved, err := projection.Transform(ctx, e, f, geom.DefaultCRS)
		if err != nil {
			return nil, &OperationError{Op: "polyfill", Err: err}
		}
		defer moved.Release()
		f = moved
	}

	table, drop, err := e.Stage(ctx, f)
	if err != nil {
		return nil, &OperationError{Op: "polyfill", Err: err}
	}
	defer drop()

	data := map[string]any{
		"Table":      table,
		"GeomCol":    geom.GeometryColumn,
		"HexCol":     HexColumn,
		"Resolution": resolution,
		"Geometry":   includeGeometry,
	}

	if q, err := engine.Render(invalidPartsQuery, data); err == nil {
		if out, err := e.Scalar(ctx, q); err == nil {
			if n, _ := strconv.ParseInt(out, 10, 64); n > 0 {
				slog.Warn("Skipping invalid geometry", "parts", n)
			}
		}
	}

	query, err := engine.Render(polyfillQuery, data)
	if err != nil {
		return nil, &OperationError{Op: "polyfill", Err: err}
	}

	var out *geom.Frame
	if includeGeometry {
		slog.Info("Including hexagon geometries in output")
		out, err = e.QueryFrame(ctx, geom.DefaultCRS, query)
	} else {
		out, err = e.QueryTable(ctx, "", query)
	}
	if err != nil {
		return nil, &OperationError{Op: "polyfill", Err: err}
	}

	slog.Debug("Polyfill finished", "cells", out.NumRows())
	return out, nil
}

// CellBoundary returns a one row frame with the hexagon polygon of a cell.
func CellBoundary(ctx context.Context, e *engine.Engine, cell string) (*geom.Frame, error) {
	if err := e.Require(ctx, engine.H3); err != nil {
		return nil, &OperationError{Op: "cell boundary", Err: err}
	}

	valid, err := e.Scalar(ctx, "SELECT h3_is_valid_cell(?::VARCHAR)", cell)
	if err != nil || valid != "true" {
		return nil, &OperationError{Op: "cell boundary", Err: fmt.Errorf("%w: %s", ErrInvalidCell, cell)}
	}

	out, err := e.QueryFrame(
		ctx,
		geom.DefaultCRS,
		fmt.Sprintf("SELECT ?::VARCHAR AS %s, ST_GeomFromText(h3_cell_to_boundary_wkt(?::VARCHAR)) AS %s", HexColumn, geom.GeometryColumn),
		cell,
		cell,
	)
	if err != nil {
		return nil, &OperationError{Op: "cell boundary", Err: err}
	}

	return out, nil
}
