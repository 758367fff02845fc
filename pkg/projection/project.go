package projection

import (
	"context"
	"fmt"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
)

const transformQuery = `
select
* exclude({{.GeomCol}}),
{{.Expr}} as {{.GeomCol}}
from {{.Table}}
`

// Expr returns the SQL expression transforming a geometry expression between
// two CRS. Axis order is always x/y (longitude first).
func Expr(column string, origin string, target string) string {
	if geom.SameCRS(origin, target) {
		return column
	}
	return fmt.Sprintf(
		"ST_Transform(%s, %s, %s, always_xy := true)",
		column,
		engine.Quote(geom.NormalizeCRS(origin)),
		engine.Quote(geom.NormalizeCRS(target)),
	)
}

// Transform geometry object to a target CRS
func Transform(ctx context.Context, e *engine.Engine, obj geom.Geometry, crs string) (*geom.Frame, error) {
	if !obj.HasGeometry() {
		return nil, fmt.Errorf("frame has no %s column", geom.GeometryColumn)
	}

	crs = geom.NormalizeCRS(crs)
	if crs == "" {
		return nil, fmt.Errorf("target crs is empty")
	}
	if obj.GetCRS() == "" {
		return nil, fmt.Errorf("source crs is unknown")
	}

	table, drop, err := e.Stage(ctx, obj)
	if err != nil {
		return nil, err
	}
	defer drop()

	query, err := engine.Render(transformQuery, map[string]string{
		"GeomCol": geom.GeometryColumn,
		"Expr":    Expr(geom.GeometryColumn, obj.GetCRS(), crs),
		"Table":   table,
	})
	if err != nil {
		return nil, err
	}

	return e.QueryFrame(ctx, crs, query)
}
