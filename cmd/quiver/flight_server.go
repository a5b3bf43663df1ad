package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type QuiverFlightServer struct {
	flight.BaseFlightServer
	server *Server
}

func NewQuiverFlightServer(srv *Server) *QuiverFlightServer {
	return &QuiverFlightServer{server: srv}
}

func (s *QuiverFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.server.mem))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		labeled, err := s.server.classifyRecord(ctx, rec)
		if err != nil {
			span.RecordError(err)
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut classified batch")
		labeled.Release()
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()

	// Register our custom service implementation
	server.RegisterFlightService(NewQuiverFlightServer(srv))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Quiver Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
