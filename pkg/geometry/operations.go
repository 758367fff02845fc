package geometry

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"geoterminal/pkg/geom"
	"geoterminal/pkg/projection"
)

const rowQuery = `
select * exclude({{.GeomCol}}), {{.Expr}} as {{.GeomCol}}
from {{.Table}}
`

const clipQuery = `
with mask as (
	select ST_Union_Agg({{.GeomCol}}) as mask_geom from {{.Mask}}
)
select t.* exclude({{.GeomCol}}), ST_Intersection(t.{{.GeomCol}}, mask.mask_geom) as {{.GeomCol}}
from {{.Table}} t, mask
where ST_Intersects(t.{{.GeomCol}}, mask.mask_geom)
`

const aggregateQuery = `
select {{.Expr}} as {{.GeomCol}}
from {{.Table}}
`

// Buffer every geometry by size metres. The buffer is computed in web
// mercator and projected back to the frame CRS.
func (p *Processor) Buffer(ctx context.Context, size float64) error {
	if err := p.check("buffer"); err != nil {
		return err
	}
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return &OperationError{Op: "buffer", Err: fmt.Errorf("invalid buffer size %v", size)}
	}

	slog.Info("Applying buffer", "size", size)

	expr := p.metric(func(g string) string {
		return fmt.Sprintf("ST_Buffer(%s, %s)", g, formatFloat(size))
	})

	return p.apply(ctx, "buffer", p.frame.GetCRS(), rowQuery, map[string]string{"Expr": expr})
}

// Reproject the frame to a new CRS.
func (p *Processor) Reproject(ctx context.Context, crs string) error {
	if err := p.check("reproject"); err != nil {
		return err
	}

	slog.Info("Reprojecting", "crs", geom.NormalizeCRS(crs))

	out, err := projection.Transform(ctx, p.engine, p.frame, crs)
	if err != nil {
		return &OperationError{Op: "reproject", Err: err}
	}

	p.replace(out)
	return nil
}

// Clip the frame with a mask. The mask is moved to the frame CRS when they
// differ; rows outside the mask are dropped. The mask stays owned by the caller.
func (p *Processor) Clip(ctx context.Context, mask *geom.Frame) error {
	if err := p.check("clip"); err != nil {
		return err
	}
	if mask == nil || !mask.HasGeometry() {
		return &OperationError{Op: "clip", Err: fmt.Errorf("mask: %w", ErrNoGeometry)}
	}

	slog.Info("Applying clip operation")

	if !geom.SameCRS(p.frame.GetCRS(), mask.GetCRS()) {
		slog.Info("Converting mask to match input CRS", "from", mask.GetCRS(), "to", p.frame.GetCRS())

		moved, err := projection.Transform(ctx, p.engine, mask, p.frame.GetCRS())
		if err != nil {
			return &OperationError{Op: "clip", Err: err}
		}
		defer moved.Release()
		mask = moved
	}

	maskTable, drop, err := p.engine.Stage(ctx, mask)
	if err != nil {
		return &OperationError{Op: "clip", Err: err}
	}
	defer drop()

	return p.apply(ctx, "clip", p.frame.GetCRS(), clipQuery, map[string]string{"Mask": maskTable})
}

// UnaryUnion collapses the frame to one row holding the union of all geometries.
func (p *Processor) UnaryUnion(ctx context.Context) error {
	if err := p.check("unary union"); err != nil {
		return err
	}

	slog.Info("Computing unary union")

	return p.apply(ctx, "unary union", p.frame.GetCRS(), aggregateQuery, map[string]string{
		"Expr": fmt.Sprintf("ST_Union_Agg(%s)", geom.GeometryColumn),
	})
}

// Envelope collapses the frame to its bounding box.
func (p *Processor) Envelope(ctx context.Context) error {
	if err := p.check("envelope"); err != nil {
		return err
	}

	slog.Info("Computing envelope")

	return p.apply(ctx, "envelope", p.frame.GetCRS(), aggregateQuery, map[string]string{
		"Expr": fmt.Sprintf("ST_Envelope(ST_Collect(list(%s)))", geom.GeometryColumn),
	})
}

// ConvexHull collapses the frame to the convex hull of all geometries.
func (p *Processor) ConvexHull(ctx context.Context) error {
	if err := p.check("convex hull"); err != nil {
		return err
	}

	slog.Info("Computing convex hull")

	return p.apply(ctx, "convex hull", p.frame.GetCRS(), aggregateQuery, map[string]string{
		"Expr": fmt.Sprintf("ST_ConvexHull(ST_Union_Agg(%s))", geom.GeometryColumn),
	})
}

// Centroid replaces every geometry with its centroid, computed in web mercator.
func (p *Processor) Centroid(ctx context.Context) error {
	if err := p.check("centroid"); err != nil {
		return err
	}

	slog.Info("Computing centroid")

	expr := p.metric(func(g string) string {
		return fmt.Sprintf("ST_Centroid(%s)", g)
	})

	return p.apply(ctx, "centroid", p.frame.GetCRS(), rowQuery, map[string]string{"Expr": expr})
}

// Simplify every geometry with the given tolerance in CRS units, keeping topology.
func (p *Processor) Simplify(ctx context.Context, tolerance float64) error {
	if err := p.check("simplify"); err != nil {
		return err
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return &OperationError{Op: "simplify", Err: fmt.Errorf("tolerance must be positive, got %v", tolerance)}
	}

	slog.Info("Simplifying geometries", "tolerance", tolerance)

	expr := fmt.Sprintf("ST_SimplifyPreserveTopology(%s, %s)", geom.GeometryColumn, formatFloat(tolerance))

	return p.apply(ctx, "simplify", p.frame.GetCRS(), rowQuery, map[string]string{"Expr": expr})
}
