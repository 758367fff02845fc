// Package engine wraps the DuckDB session every geometry operation runs in.
// Frames enter DuckDB as Arrow views and leave it as Arrow record batches.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/duckdb/duckdb-go/v2"
)

// Extension is a DuckDB extension loaded into the session.
type Extension struct {
	Name       string
	Repository string
}

var (
	Spatial = Extension{Name: "spatial"}
	H3      = Extension{Name: "h3", Repository: "community"}
)

var ErrNoRows = errors.New("query returned no rows")

type Options struct {
	// DuckDB database path, empty for an in-memory database
	Path string
}

type Engine struct {
	connector *duckdb.Connector
	db        *sql.DB
	conn      driver.Conn
	arrow     *duckdb.Arrow
	loaded    map[string]bool
	seq       int
}

// New opens a DuckDB session with the spatial extension loaded.
func New(ctx context.Context, opts Options) (*Engine, error) {
	c, err := duckdb.NewConnector(opts.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector: %w", err)
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to duckdb: %w", err)
	}

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		conn.Close()
		c.Close()
		return nil, fmt.Errorf("failed to create arrow from duckdb: %w", err)
	}

	e := &Engine{
		connector: c,
		db:        sql.OpenDB(c),
		conn:      conn,
		arrow:     ar,
		loaded:    make(map[string]bool),
	}

	if err := e.Require(ctx, Spatial); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

// Require installs and loads an extension once per engine.
func (e *Engine) Require(ctx context.Context, ext Extension) error {
	if e.loaded[ext.Name] {
		return nil
	}

	install := "INSTALL " + ext.Name
	if ext.Repository != "" {
		install += " FROM " + ext.Repository
	}

	slog.Debug("Loading duckdb extension", "extension", ext.Name)
	if _, err := e.db.ExecContext(ctx, install+"; LOAD "+ext.Name+";"); err != nil {
		return fmt.Errorf("failed to load %s extension: %w", ext.Name, err)
	}

	// LOAD is per connection for the Arrow connection as well
	if err := e.Exec(ctx, "LOAD "+ext.Name); err != nil {
		return fmt.Errorf("failed to load %s extension: %w", ext.Name, err)
	}

	e.loaded[ext.Name] = true
	return nil
}

// Close releases the connection and the database.
func (e *Engine) Close() error {
	var errs []error
	if e.conn != nil {
		errs = append(errs, e.conn.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.connector != nil {
		errs = append(errs, e.connector.Close())
	}
	return errors.Join(errs...)
}

// Exec runs a statement on the Arrow connection, where staged tables live.
func (e *Engine) Exec(ctx context.Context, query string) error {
	execer, ok := e.conn.(driver.ExecerContext)
	if !ok {
		return fmt.Errorf("duckdb connection does not support exec")
	}
	_, err := execer.ExecContext(ctx, query, nil)
	return err
}

// Stage copies a frame into a temporary table. The geometry column is decoded
// from WKB so SQL can use it directly. The returned function drops the table.
func (e *Engine) Stage(ctx context.Context, g geom.Geometry) (string, func(), error) {
	schema := g.GetSchema()
	if schema == nil {
		return "", nil, fmt.Errorf("frame has no schema")
	}

	e.seq++
	view := fmt.Sprintf("frame_view_%d", e.seq)
	table := fmt.Sprintf("frame_%d", e.seq)

	rr, err := array.NewRecordReader(schema, g.GetRecords())
	if err != nil {
		return "", nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	release, err := e.arrow.RegisterView(rr, view)
	if err != nil {
		return "", nil, fmt.Errorf("failed to register frame view: %w", err)
	}
	defer release()

	selection := "*"
	if g.HasGeometry() {
		selection = fmt.Sprintf("* EXCLUDE (%[1]s), ST_GeomFromWKB(%[1]s) AS %[1]s", geom.GeometryColumn)
	}

	create := fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s", table, selection, view)
	if err := e.Exec(ctx, create); err != nil {
		return "", nil, fmt.Errorf("failed to stage frame: %w", err)
	}

	drop := func() {
		if err := e.Exec(context.Background(), "DROP TABLE IF EXISTS "+table); err != nil {
			slog.Debug("Failed to drop staged table", "table", table, "error", err)
		}
	}

	return table, drop, nil
}

// Query runs a SQL query and collects the resulting record batches.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*arrow.Schema, []arrow.RecordBatch, error) {
	out_reader, err := e.arrow.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer out_reader.Release()

	var recs []arrow.RecordBatch
	for out_reader.Next() {
		rec := out_reader.RecordBatch()
		rec.Retain()

		recs = append(recs, rec)
	}

	if err := out_reader.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, nil, err
	}

	return out_reader.Schema(), recs, nil
}

// QueryFrame runs a query whose result has a GEOMETRY column named geometry
// and returns it as a frame with WKB geometries.
func (e *Engine) QueryFrame(ctx context.Context, crs string, query string, args ...any) (*geom.Frame, error) {
	wrapped := fmt.Sprintf(
		"SELECT * EXCLUDE (%[1]s), ST_AsWKB(%[1]s)::BLOB AS %[1]s FROM (%[2]s)",
		geom.GeometryColumn,
		query,
	)

	schema, recs, err := e.Query(ctx, wrapped, args...)
	if err != nil {
		return nil, err
	}

	return geom.NewFrame(schema, recs, crs), nil
}

// QueryTable runs a query without geometry conversion.
func (e *Engine) QueryTable(ctx context.Context, crs string, query string, args ...any) (*geom.Frame, error) {
	schema, recs, err := e.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return geom.NewFrame(schema, recs, crs), nil
}

// Scalar returns the first column of the first row as a string.
func (e *Engine) Scalar(ctx context.Context, query string, args ...any) (string, error) {
	_, recs, err := e.Query(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	for _, rec := range recs {
		if rec.NumRows() == 0 || rec.NumCols() == 0 {
			continue
		}
		col := rec.Column(0)
		if col.IsNull(0) {
			return "", nil
		}
		return col.ValueStr(0), nil
	}

	return "", ErrNoRows
}

// Quote a SQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Ident quotes a SQL identifier.
func Ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

var funcs = template.FuncMap{
	"quote": Quote,
	"ident": Ident,
}

// Render a SQL text template.
func Render(query string, data any) (string, error) {
	templ, err := template.New("queryTemplate").Funcs(funcs).Parse(query)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := templ.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
