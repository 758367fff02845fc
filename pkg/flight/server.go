package flight

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"geoterminal/pkg/engine"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/pipeline"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Request is the JSON document carried by the first DoExchange message,
// either as app metadata or as the descriptor command.
type Request struct {
	Operations []string `json:"operations"`
	CRS        string   `json:"crs"`
	MaskCRS    string   `json:"mask_crs,omitempty"`
	H3Geometry bool     `json:"h3_geom,omitempty"`
}

// ResultMetadata is attached to every result batch.
type ResultMetadata struct {
	CRS string `json:"crs"`
}

var ErrNoRecords = errors.New("no records received")

// PipelineServer runs the processing pipeline over streamed tables. Every
// exchange gets its own engine.
type PipelineServer struct {
	flight.BaseFlightServer
	engineOpts engine.Options
}

func NewPipelineServer(opts engine.Options) *PipelineServer {
	return &PipelineServer{
		engineOpts: opts,
	}
}

func parseRequest(desc *flight.FlightData) (Request, error) {
	var raw []byte
	switch {
	case len(desc.AppMetadata) > 0:
		raw = desc.AppMetadata
	case desc.FlightDescriptor != nil && len(desc.FlightDescriptor.Cmd) > 0:
		raw = desc.FlightDescriptor.Cmd
	default:
		return Request{}, errors.New("missing request metadata")
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request metadata: %w", err)
	}
	if req.CRS == "" {
		req.CRS = geom.DefaultCRS
	}
	return req, nil
}

func (s *PipelineServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	desc, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	req, err := parseRequest(desc)
	if err != nil {
		return err
	}

	ops, err := pipeline.ParseAll(req.Operations)
	if err != nil {
		return err
	}
	if err := pipeline.CheckRemote(ops); err != nil {
		return err
	}

	slog.Info("Received exchange", "operations", len(ops), "crs", req.CRS)

	return s.process(stream, req, ops)
}

func (s *PipelineServer) process(stream flight.FlightService_DoExchangeServer, req Request, ops []pipeline.Operation) error {
	ctx := stream.Context()

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var records []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		records = append(records, rec)

		slog.Debug("Received record batch", "rows", rec.NumRows())
	}

	if err := reader.Err(); err != nil {
		for _, r := range records {
			r.Release()
		}
		return err
	}

	if len(records) == 0 {
		return ErrNoRecords
	}

	e, err := engine.New(ctx, s.engineOpts)
	if err != nil {
		for _, r := range records {
			r.Release()
		}
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	frame := geom.NewFrame(reader.Schema(), records, req.CRS)
	result, err := pipeline.Run(ctx, e, frame, ops, pipeline.Options{
		MaskCRS:    req.MaskCRS,
		H3Geometry: req.H3Geometry,
	})
	if err != nil {
		return err
	}
	defer result.Release()

	meta, err := json.Marshal(ResultMetadata{CRS: result.GetCRS()})
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(result.GetSchema()))
	defer writer.Close()

	for _, rec := range result.GetRecords() {
		if err := writer.WriteWithAppMetadata(rec, meta); err != nil {
			return err
		}
	}

	slog.Info("Exchange finished", "rows", result.NumRows(), "crs", result.GetCRS())
	return nil
}
