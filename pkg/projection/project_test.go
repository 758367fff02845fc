package projection

import (
	"context"
	"strconv"
	"testing"

	"geoterminal/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr(t *testing.T) {
	assert.Equal(t, "geometry", Expr("geometry", "4326", "EPSG:4326"))
	assert.Equal(
		t,
		"ST_Transform(geometry, 'EPSG:4326', 'EPSG:3857', always_xy := true)",
		Expr("geometry", "EPSG:4326", "3857"),
	)
}

func TestTransform(t *testing.T) {
	ctx := context.Background()

	e, err := engine.New(ctx, engine.Options{})
	require.NoError(t, err)
	defer e.Close()

	p, err := e.QueryFrame(ctx, "EPSG:4326", "SELECT 'a' AS name, ST_Point(8, 53) AS geometry")
	require.NoError(t, err)
	defer p.Release()

	t.Run(
		"project to web mercator", func(t *testing.T) {
			merc, err := Transform(ctx, e, p, "3857")
			require.NoError(t, err)
			defer merc.Release()

			assert.Equal(t, "EPSG:3857", merc.GetCRS())
			assert.Equal(t, int64(1), merc.NumRows())

			table, drop, err := e.Stage(ctx, merc)
			require.NoError(t, err)
			defer drop()

			x, err := e.Scalar(ctx, "SELECT ST_X(geometry) FROM "+table)
			require.NoError(t, err)
			xf, err := strconv.ParseFloat(x, 64)
			require.NoError(t, err)
			assert.InDelta(t, 890555.926, xf, 1e-3)

			t.Run(
				"project back to 4326", func(t *testing.T) {
					back, err := Transform(ctx, e, merc, "EPSG:4326")
					require.NoError(t, err)
					defer back.Release()

					table, drop, err := e.Stage(ctx, back)
					require.NoError(t, err)
					defer drop()

					y, err := e.Scalar(ctx, "SELECT ST_Y(geometry) FROM "+table)
					require.NoError(t, err)
					yf, err := strconv.ParseFloat(y, 64)
					require.NoError(t, err)
					assert.InDelta(t, 53, yf, 1e-6)
				},
			)
		},
	)

	t.Run(
		"empty target crs", func(t *testing.T) {
			_, err := Transform(ctx, e, p, "")
			assert.Error(t, err)
		},
	)
}
