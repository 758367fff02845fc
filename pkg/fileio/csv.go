package fileio

import (
	"context"
	"fmt"
	"os"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
)

const csvChunkSize = 64 * 1024

// CSV geometry is WKT in the geometry column, decoded by DuckDB after the
// attributes are read with type inference.
func readCSV(ctx context.Context, e *engine.Engine, path string, crs string) (*geom.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewInferringReader(
		f,
		csv.WithHeader(true),
		csv.WithChunk(csvChunkSize),
		csv.WithNullReader(true, ""),
	)
	defer r.Release()

	var recs []arrow.RecordBatch
	for r.Next() {
		rec := r.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}

	raw := geom.NewFrame(r.Schema(), recs, crs)
	defer raw.Release()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}

	if raw.GetSchema() == nil || !raw.GetSchema().HasField(geom.GeometryColumn) {
		return nil, fmt.Errorf("csv has no %s column", geom.GeometryColumn)
	}

	table, drop, err := e.Stage(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer drop()

	query := fmt.Sprintf(
		"SELECT * EXCLUDE (%[1]s), ST_GeomFromText(%[1]s::VARCHAR) AS %[1]s FROM %[2]s",
		geom.GeometryColumn,
		table,
	)
	return e.QueryFrame(ctx, crs, query)
}

func writeCSV(ctx context.Context, e *engine.Engine, fr *geom.Frame, path string) error {
	table, drop, err := e.Stage(ctx, fr)
	if err != nil {
		return err
	}
	defer drop()

	query := "SELECT * FROM " + table
	if fr.HasGeometry() {
		query = fmt.Sprintf(
			"SELECT * EXCLUDE (%[1]s), ST_AsText(%[1]s) AS %[1]s FROM %[2]s",
			geom.GeometryColumn,
			table,
		)
	}

	schema, recs, err := e.Query(ctx, query)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f, schema, csv.WithHeader(true), csv.WithNullWriter(""))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return f.Close()
}
