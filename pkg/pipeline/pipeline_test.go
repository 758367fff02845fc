package pipeline

import (
	"context"
	"strconv"
	"testing"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/geometry"
	"geoterminal/pkg/h3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromArgs(t *testing.T) {
	t.Run("order of appearance", func(t *testing.T) {
		ops, err := FromArgs([]string{
			"input.geojson", "out.geojson",
			"--h3-res", "6",
			"--input-crs", "3857",
			"--buffer-size=100",
			"--h3-geom",
			"--output-crs", "4326",
			"--unary-union",
			"--query", "value > 1",
		})
		require.NoError(t, err)

		assert.Equal(t, []Operation{
			{Kind: H3, Value: "6"},
			{Kind: Buffer, Value: "100"},
			{Kind: Reproject, Value: "4326"},
			{Kind: UnaryUnion},
			{Kind: Query, Value: "value > 1"},
		}, ops)
	})

	t.Run("repeated flags", func(t *testing.T) {
		ops, err := FromArgs([]string{"--buffer-size", "10", "--centroid", "--buffer-size", "-5"})
		require.NoError(t, err)

		assert.Equal(t, []Operation{
			{Kind: Buffer, Value: "10"},
			{Kind: Centroid},
			{Kind: Buffer, Value: "-5"},
		}, ops)
	})

	t.Run("stops at double dash", func(t *testing.T) {
		ops, err := FromArgs([]string{"--envelope", "--", "--convex-hull"})
		require.NoError(t, err)
		assert.Equal(t, []Operation{{Kind: Envelope}}, ops)
	})

	t.Run("disabled switch", func(t *testing.T) {
		ops, err := FromArgs([]string{"--centroid=false", "--convex-hull=true"})
		require.NoError(t, err)
		assert.Equal(t, []Operation{{Kind: ConvexHull}}, ops)
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := FromArgs([]string{"in.wkt", "--simplify"})
		assert.ErrorIs(t, err, ErrMissingValue)
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Operation
	}{
		{"buffer=10", Operation{Kind: Buffer, Value: "10"}},
		{"buffer-size=10", Operation{Kind: Buffer, Value: "10"}},
		{"output-crs=3857", Operation{Kind: Reproject, Value: "3857"}},
		{"--h3-res=7", Operation{Kind: H3, Value: "7"}},
		{"query=name == 'A'", Operation{Kind: Query, Value: "name == 'A'"}},
		{"unary-union", Operation{Kind: UnaryUnion}},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			op, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, op)
		})
	}

	_, err := Parse("explode=1")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = Parse("buffer")
	assert.ErrorIs(t, err, ErrMissingValue)

	ops, err := ParseAll([]string{"buffer=1", "centroid"})
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.Equal(t, "buffer=1", ops[0].String())
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()

	e, err := engine.New(context.Background(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e
}

func square(t *testing.T, e *engine.Engine) *geom.Frame {
	t.Helper()

	f, err := e.QueryFrame(
		context.Background(),
		"EPSG:4326",
		"SELECT 1 AS id, ST_GeomFromText('POLYGON((0 0, 1 0, 1 1, 0 1, 0 0))') AS geometry",
	)
	require.NoError(t, err)
	return f
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	t.Run("one pass equals split passes", func(t *testing.T) {
		ops := []Operation{{Kind: Buffer, Value: "10"}, {Kind: H3, Value: "4"}}

		whole, err := Run(ctx, e, square(t, e), ops, Options{H3Geometry: true})
		require.NoError(t, err)
		defer whole.Release()

		step, err := Run(ctx, e, square(t, e), ops[:1], Options{})
		require.NoError(t, err)
		split, err := Run(ctx, e, step, ops[1:], Options{H3Geometry: true})
		require.NoError(t, err)
		defer split.Release()

		assert.Equal(t, split.NumRows(), whole.NumRows())
		assert.Equal(t, "EPSG:4326", whole.GetCRS())
	})

	t.Run("last reprojection sets the crs", func(t *testing.T) {
		reprojected, err := Run(ctx, e, square(t, e), []Operation{
			{Kind: Envelope},
			{Kind: Reproject, Value: "3857"},
		}, Options{})
		require.NoError(t, err)
		defer reprojected.Release()
		assert.Equal(t, "EPSG:3857", reprojected.GetCRS())

		back, err := Run(ctx, e, square(t, e), []Operation{
			{Kind: Reproject, Value: "3857"},
			{Kind: Reproject, Value: "4326"},
		}, Options{})
		require.NoError(t, err)
		defer back.Release()
		assert.Equal(t, "EPSG:4326", back.GetCRS())
	})

	t.Run("wkt mask", func(t *testing.T) {
		out, err := Run(ctx, e, square(t, e), []Operation{
			{Kind: Mask, Value: "POLYGON((0.5 0, 2 0, 2 2, 0.5 2, 0.5 0))"},
			{Kind: Centroid},
		}, Options{})
		require.NoError(t, err)
		defer out.Release()
		assert.Equal(t, int64(1), out.NumRows())
	})

	t.Run("query then polyfill without geometry", func(t *testing.T) {
		out, err := Run(ctx, e, square(t, e), []Operation{
			{Kind: Query, Value: "id == 1"},
			{Kind: H3, Value: "3"},
		}, Options{})
		require.NoError(t, err)
		defer out.Release()
		assert.False(t, out.HasGeometry())
	})

	t.Run("geometry operation after losing geometry", func(t *testing.T) {
		_, err := Run(ctx, e, square(t, e), []Operation{
			{Kind: H3, Value: "3"},
			{Kind: Buffer, Value: "1"},
		}, Options{})

		var opErr *geometry.OperationError
		require.ErrorAs(t, err, &opErr)
		assert.ErrorIs(t, err, geometry.ErrNoGeometry)
	})

	t.Run("invalid values keep their category", func(t *testing.T) {
		for _, op := range []Operation{{Kind: Buffer, Value: "wide"}, {Kind: Simplify, Value: "fine"}} {
			_, err := Run(ctx, e, square(t, e), []Operation{op}, Options{})

			var opErr *geometry.OperationError
			require.ErrorAs(t, err, &opErr, op.String())
			assert.ErrorIs(t, err, strconv.ErrSyntax)
		}

		_, err := Run(ctx, e, square(t, e), []Operation{{Kind: H3, Value: "six"}}, Options{})
		var h3Err *h3.OperationError
		require.ErrorAs(t, err, &h3Err)
		assert.Equal(t, "polyfill", h3Err.Op)
	})
}

func TestCheckRemote(t *testing.T) {
	assert.NoError(t, CheckRemote([]Operation{
		{Kind: Buffer, Value: "10"},
		{Kind: Mask, Value: "POLYGON((0 0, 1 0, 1 1, 0 0))"},
	}))
	assert.ErrorIs(t, CheckRemote([]Operation{{Kind: Mask, Value: "/etc/mask.geojson"}}), ErrFileMask)
}
