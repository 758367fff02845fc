package fileio

import (
	"context"
	"fmt"
	"os"
	"strings"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
)

// ReadWKT parses one WKT geometry into a single row frame.
func ReadWKT(ctx context.Context, e *engine.Engine, wkt string, crs string) (*geom.Frame, error) {
	f, err := e.QueryFrame(ctx, crs, "SELECT ST_GeomFromText(?) AS geometry", strings.TrimSpace(wkt))
	if err != nil {
		return nil, &HandlerError{Op: "read wkt", Path: "<inline>", Err: err}
	}
	return f, nil
}

func readWKTFile(ctx context.Context, e *engine.Engine, path string, crs string) (*geom.Frame, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !geom.IsWKT(string(content)) {
		return nil, fmt.Errorf("file does not contain a wkt geometry")
	}
	return ReadWKT(ctx, e, string(content), crs)
}

const wktQuery = `
select
case when count(*) = 1 then any_value(ST_AsText({{.GeomCol}}))
else 'GEOMETRYCOLLECTION (' || string_agg(ST_AsText({{.GeomCol}}), ', ' order by rowid) || ')'
end
from {{.Table}}
`

// A single geometry is written as is, several as one GEOMETRYCOLLECTION.
func writeWKT(ctx context.Context, e *engine.Engine, fr *geom.Frame, path string) error {
	if !fr.HasGeometry() {
		return fmt.Errorf("wkt output needs a %s column", geom.GeometryColumn)
	}
	if fr.NumRows() == 0 {
		return fmt.Errorf("frame is empty")
	}

	table, drop, err := e.Stage(ctx, fr)
	if err != nil {
		return err
	}
	defer drop()

	query, err := engine.Render(wktQuery, map[string]string{
		"GeomCol": geom.GeometryColumn,
		"Table":   table,
	})
	if err != nil {
		return err
	}

	wkt, err := e.Scalar(ctx, query)
	if err != nil {
		return err
	}

	return os.WriteFile(path, []byte(wkt+"\n"), 0644)
}
