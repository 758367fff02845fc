package fileio

import (
	"context"
	"os"
	"path/filepath"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
)

// ReadGeoJSON loads a GeoJSON document held in memory. GDAL only reads from
// paths, so the document goes through a temporary file.
func ReadGeoJSON(ctx context.Context, e *engine.Engine, data []byte, crs string) (*geom.Frame, error) {
	dir, err := os.MkdirTemp("", "geoterminal_*")
	if err != nil {
		return nil, &HandlerError{Op: "read", Path: "geojson body", Err: err}
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "input.geojson")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, &HandlerError{Op: "read", Path: path, Err: err}
	}

	return Read(ctx, e, path, crs)
}

// EncodeGeoJSON renders a frame as a GeoJSON document.
func EncodeGeoJSON(ctx context.Context, e *engine.Engine, f *geom.Frame) ([]byte, error) {
	dir, err := os.MkdirTemp("", "geoterminal_*")
	if err != nil {
		return nil, &HandlerError{Op: "export", Path: "geojson body", Err: err}
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "output.geojson")
	if err := Export(ctx, e, f, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &HandlerError{Op: "export", Path: path, Err: err}
	}
	return data, nil
}
