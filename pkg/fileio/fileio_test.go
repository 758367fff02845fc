package fileio

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWKT = "POLYGON((30 10, 40 40, 20 40, 10 20, 30 10))"

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"a.geojson":      GeoJSON,
		"A.GEOJSON":      GeoJSON,
		"dir/b.shp":      Shapefile,
		"c.csv":          CSV,
		"d.parquet":      Parquet,
		"e.feather":      Arrow,
		"f.wkt":          WKT,
		"g.gpkg":         GeoPackage,
		"/tmp/x/h.fgb":   FlatGeobuf,
		"n.shp.parquet":  Parquet,
		"../up/file.csv": CSV,
	}

	for path, expected := range cases {
		got, err := DetectFormat(path)
		require.NoError(t, err, path)
		assert.Equal(t, expected, got, path)
	}

	_, err := DetectFormat("output.invalid")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = DetectFormat("noextension")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()

	e, err := engine.New(context.Background(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	t.Run("inline wkt", func(t *testing.T) {
		f, err := Read(ctx, e, sampleWKT, "")
		require.NoError(t, err)
		defer f.Release()

		assert.Equal(t, "EPSG:4326", f.GetCRS())
		assert.Equal(t, int64(1), f.NumRows())
		assert.True(t, f.HasGeometry())
	})

	t.Run("inline wkt with crs", func(t *testing.T) {
		f, err := Read(ctx, e, "POINT (500000 4649776)", "32633")
		require.NoError(t, err)
		defer f.Release()

		assert.Equal(t, "EPSG:32633", f.GetCRS())
	})

	t.Run("invalid wkt", func(t *testing.T) {
		_, err := Read(ctx, e, "POLYGON((0 0, 1 1", "")

		var handlerErr *HandlerError
		assert.ErrorAs(t, err, &handlerErr)
	})

	t.Run("geojson", func(t *testing.T) {
		f, err := Read(ctx, e, "testdata/regions.geojson", "")
		require.NoError(t, err)
		defer f.Release()

		assert.Equal(t, int64(2), f.NumRows())
		assert.Equal(t, "EPSG:4326", f.GetCRS())
		assert.Contains(t, f.Columns(), "name")
		assert.Contains(t, f.Columns(), geom.GeometryColumn)
	})

	t.Run("csv with wkt geometry", func(t *testing.T) {
		f, err := Read(ctx, e, "testdata/points.csv", "4326")
		require.NoError(t, err)
		defer f.Release()

		assert.Equal(t, int64(4), f.NumRows())
		assert.True(t, f.HasGeometry())
	})

	t.Run("csv without geometry", func(t *testing.T) {
		_, err := Read(ctx, e, "testdata/no_geometry.csv", "4326")

		var handlerErr *HandlerError
		assert.ErrorAs(t, err, &handlerErr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Read(ctx, e, "nonexistent.geojson", "")

		var handlerErr *HandlerError
		require.ErrorAs(t, err, &handlerErr)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Read(ctx, e, "nonexistent.file", "")

		var handlerErr *HandlerError
		require.ErrorAs(t, err, &handlerErr)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	src, err := Read(ctx, e, "testdata/regions.geojson", "")
	require.NoError(t, err)
	defer src.Release()

	dir := t.TempDir()

	for _, name := range []string{"out.geojson", "out.csv", "out.parquet", "out.arrow", "out.shp", "out.gpkg"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, Export(ctx, e, src, path))

			back, err := Read(ctx, e, path, "")
			require.NoError(t, err)
			defer back.Release()

			assert.Equal(t, src.NumRows(), back.NumRows())
			assert.True(t, back.HasGeometry())
			assert.True(t, geom.SameCRS(src.GetCRS(), back.GetCRS()), back.GetCRS())
		})
	}

	t.Run("overwrite existing output", func(t *testing.T) {
		path := filepath.Join(dir, "twice.geojson")
		require.NoError(t, Export(ctx, e, src, path))
		require.NoError(t, Export(ctx, e, src, path))
	})

	t.Run("crs survives parquet", func(t *testing.T) {
		f, err := Read(ctx, e, "POINT (500000 4649776)", "EPSG:32633")
		require.NoError(t, err)
		defer f.Release()

		path := filepath.Join(dir, "utm.parquet")
		require.NoError(t, Export(ctx, e, f, path))

		back, err := Read(ctx, e, path, "")
		require.NoError(t, err)
		defer back.Release()

		assert.Equal(t, "EPSG:32633", back.GetCRS())
	})

	t.Run("invalid format", func(t *testing.T) {
		err := Export(ctx, e, src, filepath.Join(dir, "output.invalid"))

		var handlerErr *HandlerError
		assert.ErrorAs(t, err, &handlerErr)
	})
}

func TestExportWKT(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	dir := t.TempDir()

	t.Run("single geometry", func(t *testing.T) {
		f, err := Read(ctx, e, "POINT (0 0)", "")
		require.NoError(t, err)
		defer f.Release()

		path := filepath.Join(dir, "point.wkt")
		require.NoError(t, Export(ctx, e, f, path))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "POINT"))

		back, err := Read(ctx, e, path, "")
		require.NoError(t, err)
		defer back.Release()
		assert.Equal(t, int64(1), back.NumRows())
	})

	t.Run("multiple geometries", func(t *testing.T) {
		f, err := Read(ctx, e, "testdata/regions.geojson", "")
		require.NoError(t, err)
		defer f.Release()

		path := filepath.Join(dir, "regions.wkt")
		require.NoError(t, Export(ctx, e, f, path))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(content), "GEOMETRYCOLLECTION"))
		assert.Equal(t, 2, strings.Count(string(content), "POLYGON"))
	})
}

func TestGeoJSONBytes(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	data, err := os.ReadFile("testdata/regions.geojson")
	require.NoError(t, err)

	f, err := ReadGeoJSON(ctx, e, data, "EPSG:4326")
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, int64(2), f.NumRows())

	out, err := EncodeGeoJSON(ctx, e, f)
	require.NoError(t, err)
	assert.Contains(t, string(out), "FeatureCollection")

	_, err = ReadGeoJSON(ctx, e, []byte("not json"), "EPSG:4326")
	var hErr *HandlerError
	assert.ErrorAs(t, err, &hErr)
}
