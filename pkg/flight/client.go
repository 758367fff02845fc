package flight

import (
	"context"
	"encoding/json"

	"geoterminal/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Exchange sends f with req to a pipeline server and returns the
// processed frame. f stays owned by the caller.
func Exchange(ctx context.Context, client flight.Client, req Request, f *geom.Frame) (*geom.Frame, error) {
	if req.CRS == "" {
		req.CRS = f.GetCRS()
	}
	meta, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	stream, err := client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	if err := stream.Send(&flight.FlightData{AppMetadata: meta}); err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(f.GetSchema()))
	for _, rec := range f.GetRecords() {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	crs := req.CRS
	var records []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		records = append(records, rec)

		var res ResultMetadata
		if err := json.Unmarshal(reader.LatestAppMetadata(), &res); err == nil && res.CRS != "" {
			crs = res.CRS
		}
	}

	if err := reader.Err(); err != nil {
		for _, r := range records {
			r.Release()
		}
		return nil, err
	}

	return geom.NewFrame(reader.Schema(), records, crs), nil
}
