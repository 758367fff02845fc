package flight

import (
	"log/slog"

	"geoterminal/pkg/engine"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
)

// NewFlightServer creates a pipeline server bound to addr. Call Serve to
// start accepting exchanges.
func NewFlightServer(opts engine.Options, addr string, grpcOpts ...grpc.ServerOption) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil, grpcOpts...)
	server.RegisterFlightService(NewPipelineServer(opts))

	if err := server.Init(addr); err != nil {
		return nil, err
	}

	slog.Info("Flight server listening", "addr", server.Addr().String())
	return server, nil
}
