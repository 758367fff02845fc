package fileio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
)

var gdalDrivers = map[Format]string{
	GeoJSON:    "GeoJSON",
	Shapefile:  "ESRI Shapefile",
	GeoPackage: "GPKG",
	FlatGeobuf: "FlatGeobuf",
}

// Sidecar files written next to a shapefile
var shapefileParts = []string{".shp", ".shx", ".dbf", ".prj", ".cpg"}

const readQuery = `
select * exclude(geom), geom as {{.GeomCol}}
from ST_Read({{quote .Path}})
`

const crsQuery = `
select
nullif(layers[1].geometry_fields[1].crs.auth_name, '') || ':' ||
nullif(layers[1].geometry_fields[1].crs.auth_code, '')
from ST_Read_Meta({{quote .Path}})
`

func readGDAL(ctx context.Context, e *engine.Engine, path string, fallback string) (*geom.Frame, error) {
	data := map[string]string{
		"GeomCol": geom.GeometryColumn,
		"Path":    path,
	}

	crs := fallback
	if q, err := engine.Render(crsQuery, data); err == nil {
		found, err := e.Scalar(ctx, q)
		switch {
		case err != nil:
			slog.Debug("Could not read crs metadata", "path", path, "error", err)
		case found != "":
			crs = fileCRS(found)
		}
	}

	query, err := engine.Render(readQuery, data)
	if err != nil {
		return nil, err
	}

	return e.QueryFrame(ctx, crs, query)
}

// OGC:CRS84 is EPSG:4326 with x/y axis order, which is how frames are kept anyway.
func fileCRS(crs string) string {
	if strings.EqualFold(crs, "OGC:CRS84") {
		return geom.DefaultCRS
	}
	return geom.NormalizeCRS(crs)
}

const copyQuery = `
COPY {{.Table}} TO {{quote .Path}}
WITH (FORMAT GDAL, DRIVER {{quote .Driver}}{{if .SRS}}, SRS {{quote .SRS}}{{end}})
`

func writeGDAL(ctx context.Context, e *engine.Engine, f *geom.Frame, path string, format Format) error {
	if !f.HasGeometry() {
		return fmt.Errorf("%s output needs a %s column", format, geom.GeometryColumn)
	}

	if err := removeExisting(path, format); err != nil {
		return err
	}

	table, drop, err := e.Stage(ctx, f)
	if err != nil {
		return err
	}
	defer drop()

	query, err := engine.Render(copyQuery, map[string]string{
		"Table":  table,
		"Path":   path,
		"Driver": gdalDrivers[format],
		"SRS":    f.GetCRS(),
	})
	if err != nil {
		return err
	}

	return e.Exec(ctx, query)
}

// GDAL refuses to overwrite most datasets, replace them like the other writers do.
func removeExisting(path string, format Format) error {
	targets := []string{path}
	if format == Shapefile {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		targets = targets[:0]
		for _, ext := range shapefileParts {
			targets = append(targets, base+ext)
		}
	}

	for _, target := range targets {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
