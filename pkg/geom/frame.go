package geom

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Frame is a table of rows sharing one schema, an optional WKB geometry
// column and a single CRS.
type Frame struct {
	schema  *arrow.Schema
	records []arrow.RecordBatch
	crs     string
}

// NewFrame takes ownership of the record batches.
func NewFrame(schema *arrow.Schema, recs []arrow.RecordBatch, crs string) *Frame {
	if schema == nil && len(recs) > 0 {
		schema = recs[0].Schema()
	}
	return &Frame{
		schema:  schema,
		records: recs,
		crs:     NormalizeCRS(crs),
	}
}

// Get Apache Arrow Records of the Frame
func (f *Frame) GetRecords() []arrow.RecordBatch {
	return f.records
}

// Get the Frame schema, also valid for frames without rows
func (f *Frame) GetSchema() *arrow.Schema {
	return f.schema
}

// Get CRS
func (f *Frame) GetCRS() string {
	return f.crs
}

// Set CRS, only changes the tag, not the coordinates
func (f *Frame) SetCRS(crs string) {
	f.crs = NormalizeCRS(crs)
}

// Release the Apache Arrow Records buffer
func (f *Frame) Release() {
	for i := range len(f.records) {
		f.records[i].Release()
	}
	f.records = nil
}

// HasGeometry reports whether the frame carries a WKB geometry column.
func (f *Frame) HasGeometry() bool {
	if f.schema == nil {
		return false
	}
	indices := f.schema.FieldIndices(GeometryColumn)
	if len(indices) == 0 {
		return false
	}
	switch f.schema.Field(indices[0]).Type.ID() {
	case arrow.BINARY, arrow.LARGE_BINARY:
		return true
	}
	return false
}

func (f *Frame) NumRows() int64 {
	var n int64
	for _, rec := range f.records {
		n += rec.NumRows()
	}
	return n
}

func (f *Frame) NumCols() int {
	if f.schema == nil {
		return 0
	}
	return f.schema.NumFields()
}

// Column names in schema order
func (f *Frame) Columns() []string {
	if f.schema == nil {
		return nil
	}
	out := make([]string, 0, f.schema.NumFields())
	for _, field := range f.schema.Fields() {
		out = append(out, field.Name)
	}
	return out
}
