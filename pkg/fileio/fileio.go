// Package fileio loads frames from files or inline WKT and exports them,
// choosing the format from the file extension.
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

type Format string

const (
	GeoJSON    Format = "geojson"
	Shapefile  Format = "shp"
	GeoPackage Format = "gpkg"
	FlatGeobuf Format = "fgb"
	CSV        Format = "csv"
	Parquet    Format = "parquet"
	Arrow      Format = "arrow"
	WKT        Format = "wkt"
)

var extensions = map[string]Format{
	".geojson":    GeoJSON,
	".json":       GeoJSON,
	".shp":        Shapefile,
	".gpkg":       GeoPackage,
	".fgb":        FlatGeobuf,
	".csv":        CSV,
	".parquet":    Parquet,
	".geoparquet": Parquet,
	".arrow":      Arrow,
	".feather":    Arrow,
	".ipc":        Arrow,
	".wkt":        WKT,
}

var ErrUnsupportedFormat = errors.New("unsupported file format")

// HandlerError is returned for any failure reading or writing a file.
type HandlerError struct {
	Op   string
	Path string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DetectFormat maps a path to a format by its extension.
func DetectFormat(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	format, ok := extensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return format, nil
}

// Read loads an input into a frame. Inputs starting with a WKT geometry
// keyword are parsed as geometry, everything else is a path. crs is used for
// WKT and CSV inputs and for files that do not declare one.
func Read(ctx context.Context, e *engine.Engine, input string, crs string) (*geom.Frame, error) {
	crs = geom.NormalizeCRS(crs)
	if crs == "" {
		crs = geom.DefaultCRS
	}

	if geom.IsWKT(input) {
		slog.Info("Reading inline WKT geometry")
		return ReadWKT(ctx, e, input, crs)
	}

	format, err := DetectFormat(input)
	if err != nil {
		return nil, &HandlerError{Op: "read", Path: input, Err: err}
	}

	if _, err := os.Stat(input); err != nil {
		return nil, &HandlerError{Op: "read", Path: input, Err: err}
	}

	slog.Info("Reading geometry file", "path", input, "format", format)

	var f *geom.Frame
	switch format {
	case CSV:
		f, err = readCSV(ctx, e, input, crs)
	case Parquet:
		f, err = readParquet(ctx, input, crs)
	case Arrow:
		f, err = readIPC(input, crs)
	case WKT:
		f, err = readWKTFile(ctx, e, input, crs)
	default:
		f, err = readGDAL(ctx, e, input, crs)
	}

	if err != nil {
		return nil, &HandlerError{Op: "read", Path: input, Err: err}
	}

	slog.Debug("Loaded frame", "rows", f.NumRows(), "columns", f.NumCols(), "crs", f.GetCRS())
	return f, nil
}

// Export writes a frame to output, format determined by extension.
func Export(ctx context.Context, e *engine.Engine, f *geom.Frame, output string) error {
	format, err := DetectFormat(output)
	if err != nil {
		return &HandlerError{Op: "export", Path: output, Err: err}
	}

	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &HandlerError{Op: "export", Path: output, Err: err}
		}
	}

	slog.Info("Exporting frame", "path", output, "format", format, "rows", f.NumRows())

	switch format {
	case CSV:
		err = writeCSV(ctx, e, f, output)
	case Parquet:
		err = writeParquet(f, output)
	case Arrow:
		err = writeIPC(f, output)
	case WKT:
		err = writeWKT(ctx, e, f, output)
	default:
		err = writeGDAL(ctx, e, f, output, format)
	}

	if err != nil {
		return &HandlerError{Op: "export", Path: output, Err: err}
	}

	return nil
}
