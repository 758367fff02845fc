package fileio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// GeoParquet file metadata, stored under the "geo" key
type geoMetadata struct {
	Version       string                   `json:"version"`
	PrimaryColumn string                   `json:"primary_column"`
	Columns       map[string]geoColumnMeta `json:"columns"`
}

// A missing crs means OGC:CRS84, an explicit null an unknown CRS.
type geoColumnMeta struct {
	Encoding      string          `json:"encoding"`
	GeometryTypes []string        `json:"geometry_types"`
	CRS           json.RawMessage `json:"crs,omitempty"`
}

type projJSON struct {
	ID *projJSONID `json:"id,omitempty"`
}

type projJSONID struct {
	Authority string `json:"authority"`
	Code      any    `json:"code"`
}

// geoCRS encodes a frame CRS for GeoParquet. Authority codes become a
// PROJJSON id, other CRS strings are written as unknown.
func geoCRS(crs string) (json.RawMessage, error) {
	crs = geom.NormalizeCRS(crs)
	if crs == "" {
		return json.RawMessage("null"), nil
	}
	if geom.SameCRS(crs, geom.DefaultCRS) || strings.EqualFold(crs, "OGC:CRS84") {
		return nil, nil
	}

	authority, code, ok := strings.Cut(crs, ":")
	if !ok || authority == "" || code == "" || strings.ContainsAny(crs, " [{") {
		slog.Warn("CRS has no authority code, writing GeoParquet crs as unknown", "crs", crs)
		return json.RawMessage("null"), nil
	}

	id := &projJSONID{Authority: strings.ToUpper(authority), Code: code}
	if n, err := strconv.Atoi(code); err == nil {
		id.Code = n
	}
	return json.Marshal(projJSON{ID: id})
}

const geoMetadataKey = "geo"

// withCRSMetadata returns the schema carrying the frame CRS and, when the
// frame has geometry, GeoParquet metadata.
func withCRSMetadata(f *geom.Frame) (*arrow.Schema, error) {
	keys := []string{geom.CRSMetadataKey}
	values := []string{f.GetCRS()}

	if f.HasGeometry() {
		crs, err := geoCRS(f.GetCRS())
		if err != nil {
			return nil, err
		}
		meta, err := json.Marshal(geoMetadata{
			Version:       "1.0.0",
			PrimaryColumn: geom.GeometryColumn,
			Columns: map[string]geoColumnMeta{
				geom.GeometryColumn: {Encoding: "WKB", GeometryTypes: []string{}, CRS: crs},
			},
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, geoMetadataKey)
		values = append(values, string(meta))
	}

	md := arrow.NewMetadata(keys, values)
	return arrow.NewSchema(f.GetSchema().Fields(), &md), nil
}

// Rebind record batches to a schema with identical fields.
func rebind(schema *arrow.Schema, recs []arrow.RecordBatch) []arrow.RecordBatch {
	out := make([]arrow.RecordBatch, 0, len(recs))
	for _, rec := range recs {
		out = append(out, array.NewRecordBatch(schema, rec.Columns(), rec.NumRows()))
	}
	return out
}

func release(recs []arrow.RecordBatch) {
	for _, rec := range recs {
		rec.Release()
	}
}

// Sink the frame record batches into a parquet file
func writeParquet(fr *geom.Frame, path string) error {
	if fr.GetSchema() == nil {
		return fmt.Errorf("frame has no schema")
	}

	schema, err := withCRSMetadata(fr)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	writer, err := pqarrow.NewFileWriter(
		schema,
		f,
		parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	recs := rebind(schema, fr.GetRecords())
	defer release(recs)

	for _, rec := range recs {
		if err := writer.WriteBuffered(rec); err != nil {
			writer.Close()
			return fmt.Errorf("failed to write record batch: %w", err)
		}
	}

	return writer.Close()
}

func readParquet(ctx context.Context, path string, fallback string) (*geom.Frame, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		BatchSize: 10000,
	}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	schema, err := reader.Schema()
	if err != nil {
		return nil, err
	}

	recordReader, err := reader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get record reader: %w", err)
	}
	defer recordReader.Release()

	var recs []arrow.RecordBatch
	for recordReader.Next() {
		rec := recordReader.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}

	if err := recordReader.Err(); err != nil {
		release(recs)
		return nil, fmt.Errorf("error reading records: %w", err)
	}

	kv := pf.MetaData().KeyValueMetadata()
	md := arrow.NewMetadata(kv.Keys(), kv.Values())

	return geom.NewFrame(schema, recs, metadataCRS(md, fallback)), nil
}

// metadataCRS resolves the CRS stored in schema metadata, either our own key
// or a GeoParquet PROJJSON identifier.
func metadataCRS(md arrow.Metadata, fallback string) string {
	if idx := md.FindKey(geom.CRSMetadataKey); idx >= 0 && md.Values()[idx] != "" {
		return md.Values()[idx]
	}

	idx := md.FindKey(geoMetadataKey)
	if idx < 0 {
		return fallback
	}

	var meta geoMetadata
	if err := json.Unmarshal([]byte(md.Values()[idx]), &meta); err != nil {
		return fallback
	}

	col, ok := meta.Columns[meta.PrimaryColumn]
	if !ok || len(col.CRS) == 0 {
		// GeoParquet defaults to OGC:CRS84
		return geom.DefaultCRS
	}

	var crs *projJSON
	if err := json.Unmarshal(col.CRS, &crs); err != nil || crs == nil || crs.ID == nil {
		return fallback
	}

	return fileCRS(fmt.Sprintf("%s:%v", crs.ID.Authority, crs.ID.Code))
}
