package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"geoterminal/pkg/api"
	"geoterminal/pkg/config"
	"geoterminal/pkg/engine"
	"geoterminal/pkg/fileio"
	"geoterminal/pkg/flight"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/inspect"
	"geoterminal/pkg/pipeline"

	"github.com/alecthomas/kong"
)

var version = "dev"

type Globals struct {
	LogLevel  string `help:"Logging level (debug, info, warn, error)." default:"info" env:"GEOTERMINAL_LOG_LEVEL" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log output format (text, json)." default:"text" env:"GEOTERMINAL_LOG_FORMAT" enum:"text,json"`
}

type CLI struct {
	Globals

	Process ProcessCmd `cmd:"" default:"withargs" help:"Read, transform and write geometries. Operations run in the order given."`
	Serve   ServeCmd   `cmd:"" help:"Run the Flight and REST processing servers."`
	Version VersionCmd `cmd:"" help:"Print the version of this program."`
}

type runContext struct {
	Args   []string
	Stdout io.Writer
}

type ProcessCmd struct {
	Input  string `arg:"" help:"Input file path or WKT string."`
	Output string `arg:"" optional:"" help:"Output file path, format chosen by extension."`

	BufferSize []float64 `help:"Buffer distance in meters, negative to shrink." sep:"none"`
	H3Res      []int     `name:"h3-res" help:"H3 resolution for polyfill (0-15)." sep:"none"`
	H3Geom     bool      `name:"h3-geom" help:"Include hexagon geometries in H3 output."`
	InputCRS   string    `name:"input-crs" help:"CRS of the input when not declared by the file." default:"4326" env:"GEOTERMINAL_INPUT_CRS"`
	OutputCRS  []string  `name:"output-crs" help:"Reproject to this CRS." sep:"none"`
	Mask       []string  `help:"Clip to a mask file or WKT geometry." sep:"none"`
	MaskCRS    string    `name:"mask-crs" help:"CRS of the mask when not declared by the file." default:"4326" env:"GEOTERMINAL_MASK_CRS"`
	UnaryUnion bool      `help:"Merge all geometries into one."`
	Envelope   bool      `help:"Replace geometries with their bounding box."`
	ConvexHull bool      `help:"Replace geometries with their convex hull."`
	Centroid   bool      `help:"Replace geometries with their centroids."`
	Simplify   []float64 `help:"Simplify geometries with this tolerance." sep:"none"`
	Query      []string  `help:"Keep rows matching a predicate, e.g. \"value > 10 and category == 'A'\"." sep:"none"`

	Head   int  `help:"Print the first N rows."`
	Tail   int  `help:"Print the last N rows."`
	CRS    bool `name:"crs" help:"Print the CRS."`
	Shape  bool `help:"Print the row and column counts."`
	Dtypes bool `help:"Print the column types."`

	DuckDBPath string `name:"duckdb-path" help:"DuckDB database file, in memory when empty." env:"GEOTERMINAL_DUCKDB_PATH"`
}

func (c *ProcessCmd) inspecting() bool {
	return c.Head > 0 || c.Tail > 0 || c.CRS || c.Shape || c.Dtypes
}

func (c *ProcessCmd) Run(rc *runContext) error {
	if c.Output == "" && !c.inspecting() {
		return errors.New("an output path is required unless an inspection flag is given")
	}

	ops, err := pipeline.FromArgs(rc.Args)
	if err != nil {
		return err
	}

	ctx := context.Background()

	e, err := engine.New(ctx, engine.Options{Path: c.DuckDBPath})
	if err != nil {
		return err
	}
	defer e.Close()

	frame, err := fileio.Read(ctx, e, c.Input, c.InputCRS)
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx, e, frame, ops, pipeline.Options{
		MaskCRS:    c.MaskCRS,
		H3Geometry: c.H3Geom,
	})
	if err != nil {
		return err
	}
	defer result.Release()

	if err := c.inspect(ctx, e, result, rc.Stdout); err != nil {
		return err
	}

	if c.Output != "" {
		if err := fileio.Export(ctx, e, result, c.Output); err != nil {
			return err
		}
		slog.Info("Successfully processed", "input", describeInput(c.Input), "output", c.Output)
	}

	return nil
}

func (c *ProcessCmd) inspect(ctx context.Context, e *engine.Engine, f *geom.Frame, w io.Writer) error {
	p := inspect.NewProcessor(e, f)
	input := describeInput(c.Input)

	if c.Head > 0 {
		table, err := p.Head(ctx, c.Head)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "First %d rows of %s:\n", c.Head, input)
		if err := table.Print(w); err != nil {
			return err
		}
	}

	if c.Tail > 0 {
		table, err := p.Tail(ctx, c.Tail)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Last %d rows of %s:\n", c.Tail, input)
		if err := table.Print(w); err != nil {
			return err
		}
	}

	if c.CRS {
		crs, err := p.CRS()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "CRS: %s\n", crs)
	}

	if c.Shape {
		rows, cols, err := p.Shape()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Shape: (%d, %d)\n", rows, cols)
	}

	if c.Dtypes {
		cols, err := p.Dtypes()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Data types:")
		if err := inspect.PrintDtypes(w, cols); err != nil {
			return err
		}
	}

	return nil
}

// Inline WKT inputs can be long, log only their kind.
func describeInput(input string) string {
	if kind, ok := geom.WKTType(input); ok {
		return string(kind) + " WKT"
	}
	return input
}

type ServeCmd struct {
	FlightAddr string `help:"Flight server listen address." default:":50051" env:"GEOTERMINAL_FLIGHT_ADDR"`
	APIPort    int    `name:"api-port" help:"REST API port." default:"8080" env:"GEOTERMINAL_API_PORT"`
}

func (c *ServeCmd) Run(rc *runContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{}

	flightServer, err := flight.NewFlightServer(opts, c.FlightAddr)
	if err != nil {
		return fmt.Errorf("failed to start Flight server: %w", err)
	}
	apiServer := api.NewAPIServer(opts, c.APIPort)

	errs := make(chan error, 2)
	go func() {
		errs <- flightServer.Serve()
	}()
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down servers")
	case err = <-errs:
		slog.Error("Server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flightServer.Shutdown()
	return errors.Join(err, apiServer.Stop(shutdownCtx))
}

type VersionCmd struct{}

func (c *VersionCmd) Run(rc *runContext) error {
	fmt.Fprintln(rc.Stdout, version)
	return nil
}

func newParser(cli *CLI, stdout io.Writer, stderr io.Writer, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("geoterminal"),
		kong.Description("A GIS toolkit for converting and transforming geometric data."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	}, options...)
	return kong.New(cli, options...)
}

// Numeric flags whose value may be negative.
var numericFlags = map[string]bool{
	"--buffer-size": true,
	"--simplify":    true,
	"--h3-res":      true,
}

// joinNegativeValues rewrites "--flag -5" as "--flag=-5" so the value is
// not taken for a short flag.
func joinNegativeValues(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if numericFlags[arg] && i+1 < len(args) && strings.HasPrefix(args[i+1], "-") {
			if _, err := strconv.ParseFloat(args[i+1], 64); err == nil {
				out = append(out, arg+"="+args[i+1])
				i++
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

// execute parses args and runs the selected command.
func execute(parser *kong.Kong, cli *CLI, args []string, stdout io.Writer, stderr io.Writer) error {
	kctx, err := parser.Parse(joinNegativeValues(args))
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	return kctx.Run(&runContext{Args: args, Stdout: stdout})
}

func main() {
	// Minimal logger until flags are parsed
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := config.LoadEnv(); err != nil {
		slog.Warn("Ignoring env file", "error", err)
	}

	var cli CLI
	parser, err := newParser(&cli, os.Stdout, os.Stderr)
	if err != nil {
		panic(err)
	}

	parser.FatalIfErrorf(execute(parser, &cli, os.Args[1:], os.Stdout, os.Stderr))
}
