// Package pipeline turns command line flags into an ordered list of
// operations and replays them against a frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"geoterminal/pkg/data"
	"geoterminal/pkg/engine"
	"geoterminal/pkg/fileio"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/geometry"
	"geoterminal/pkg/h3"
)

type Kind string

const (
	Mask       Kind = "mask"
	Buffer     Kind = "buffer"
	H3         Kind = "h3"
	Reproject  Kind = "reproject"
	UnaryUnion Kind = "unary-union"
	Envelope   Kind = "envelope"
	ConvexHull Kind = "convex-hull"
	Centroid   Kind = "centroid"
	Simplify   Kind = "simplify"
	Query      Kind = "query"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingValue     = errors.New("operation requires a value")
	ErrFileMask         = errors.New("mask must be inline WKT")
)

// Operation is one pipeline step. Value is empty for operations without
// an argument.
type Operation struct {
	Kind  Kind
	Value string
}

func (o Operation) String() string {
	if o.Value == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + "=" + o.Value
}

type flagSpec struct {
	kind     Kind
	hasValue bool
}

// Command line flag names, without leading dashes.
var flags = map[string]flagSpec{
	"mask":        {Mask, true},
	"buffer-size": {Buffer, true},
	"h3-res":      {H3, true},
	"output-crs":  {Reproject, true},
	"unary-union": {UnaryUnion, false},
	"envelope":    {Envelope, false},
	"convex-hull": {ConvexHull, false},
	"centroid":    {Centroid, false},
	"simplify":    {Simplify, true},
	"query":       {Query, true},
}

func lookup(name string) (flagSpec, bool) {
	if spec, ok := flags[name]; ok {
		return spec, true
	}
	for _, spec := range flags {
		if string(spec.kind) == name {
			return spec, true
		}
	}
	return flagSpec{}, false
}

// FromArgs walks raw command line arguments and returns the operation
// flags in the order they appear. Other arguments are ignored. Both
// "--flag value" and "--flag=value" are accepted; "--" ends flag parsing.
func FromArgs(args []string) ([]Operation, error) {
	var ops []Operation

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "--") {
			continue
		}

		name, value, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		spec, ok := flags[name]
		if !ok {
			continue
		}

		if !spec.hasValue {
			if inline && value == "false" {
				continue
			}
			ops = append(ops, Operation{Kind: spec.kind})
			continue
		}

		if !inline {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s: %w", name, ErrMissingValue)
			}
			i++
			value = args[i]
		}
		ops = append(ops, Operation{Kind: spec.kind, Value: value})
	}

	return ops, nil
}

// Parse reads an operation written as "name=value" or "name", where name
// is either the operation kind or its flag name.
func Parse(s string) (Operation, error) {
	name, value, _ := strings.Cut(strings.TrimSpace(s), "=")
	spec, ok := lookup(strings.TrimPrefix(name, "--"))
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	if spec.hasValue && value == "" {
		return Operation{}, fmt.Errorf("%s: %w", spec.kind, ErrMissingValue)
	}
	if !spec.hasValue {
		value = ""
	}
	return Operation{Kind: spec.kind, Value: value}, nil
}

// ParseAll parses every entry with Parse.
func ParseAll(entries []string) ([]Operation, error) {
	ops := make([]Operation, 0, len(entries))
	for _, entry := range entries {
		op, err := Parse(entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// CheckRemote rejects operations that would read server side files.
func CheckRemote(ops []Operation) error {
	for _, op := range ops {
		if op.Kind == Mask && !geom.IsWKT(op.Value) {
			return fmt.Errorf("%w: %q", ErrFileMask, op.Value)
		}
	}
	return nil
}

type Options struct {
	// CRS assumed for mask files without one, and for WKT masks
	MaskCRS string
	// Keep hexagon polygons in H3 polyfill output
	H3Geometry bool
}

// Run applies ops to f in order and returns the final frame. Run takes
// ownership of f and releases every intermediate frame.
func Run(ctx context.Context, e *engine.Engine, f *geom.Frame, ops []Operation, opts Options) (*geom.Frame, error) {
	if opts.MaskCRS == "" {
		opts.MaskCRS = geom.DefaultCRS
	}

	p := geometry.NewProcessor(ctx, e, f)

	for i, op := range ops {
		slog.Info("Applying operation", "step", i+1, "op", op.Kind, "value", op.Value)

		if err := apply(ctx, e, p, op, opts); err != nil {
			p.Release()
			return nil, err
		}
	}

	return p.Take(), nil
}

func apply(ctx context.Context, e *engine.Engine, p *geometry.Processor, op Operation, opts Options) error {
	switch op.Kind {
	case Mask:
		mask, err := fileio.Read(ctx, e, op.Value, opts.MaskCRS)
		if err != nil {
			return err
		}
		defer mask.Release()
		return p.Clip(ctx, mask)

	case Buffer:
		size, err := parseFloat(op)
		if err != nil {
			return &geometry.OperationError{Op: "buffer", Err: err}
		}
		return p.Buffer(ctx, size)

	case H3:
		res, err := strconv.Atoi(op.Value)
		if err != nil {
			return &h3.OperationError{
				Op:  "polyfill",
				Err: fmt.Errorf("invalid value %q for %s: %w", op.Value, op.Kind, err),
			}
		}
		out, err := h3.Polyfill(ctx, e, p.Frame(), res, opts.H3Geometry)
		if err != nil {
			return err
		}
		p.SetData(ctx, out)
		return nil

	case Reproject:
		return p.Reproject(ctx, op.Value)

	case UnaryUnion:
		return p.UnaryUnion(ctx)

	case Envelope:
		return p.Envelope(ctx)

	case ConvexHull:
		return p.ConvexHull(ctx)

	case Centroid:
		return p.Centroid(ctx)

	case Simplify:
		tolerance, err := parseFloat(op)
		if err != nil {
			return &geometry.OperationError{Op: "simplify", Err: err}
		}
		return p.Simplify(ctx, tolerance)

	case Query:
		out, err := data.Query(ctx, e, p.Frame(), op.Value)
		if err != nil {
			return err
		}
		p.SetData(ctx, out)
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
}

func parseFloat(op Operation) (float64, error) {
	v, err := strconv.ParseFloat(op.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s: %w", op.Value, op.Kind, err)
	}
	return v, nil
}
