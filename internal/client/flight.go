// Package client forwards labeled record batches to a downstream longbow
// server over Arrow Flight, behind a circuit breaker.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned by Publish while the breaker is rejecting
// traffic; the record was not sent.
var ErrCircuitOpen = errors.New("client: circuit open, publish rejected")

// FlightWriter publishes result records to one dataset of a longbow server.
type FlightWriter struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	dataset string
}

// NewFlightWriter connects to addr and targets the named dataset. The breaker
// opens after five consecutive failed publishes and probes again after ten
// seconds.
func NewFlightWriter(addr, dataset string) (*FlightWriter, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &FlightWriter{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		dataset: dataset,
	}, nil
}

// Publish sends one record to the dataset via DoPut. Failures feed the
// breaker; while it is open the record is rejected without touching the wire.
func (w *FlightWriter) Publish(ctx context.Context, record arrow.RecordBatch) error {
	if !w.breaker.Allow() {
		publishRejected.Inc()
		return ErrCircuitOpen
	}

	start := time.Now()
	err := w.doPut(ctx, record)
	if err != nil {
		w.breaker.Failure()
		publishFailures.Inc()
		log.Warn().
			Err(err).
			Str("dataset", w.dataset).
			Int64("rows", record.NumRows()).
			Msg("Publish failed")
		return err
	}

	w.breaker.Success()
	publishesTotal.Inc()
	publishDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Str("dataset", w.dataset).
		Int64("rows", record.NumRows()).
		Dur("took", time.Since(start)).
		Msg("Published labeled record")
	return nil
}

func (w *FlightWriter) doPut(ctx context.Context, record arrow.RecordBatch) error {
	stream, err := w.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{w.dataset},
	})
	if err := writer.Write(record); err != nil {
		return err
	}
	return writer.Close()
}

// Breaker exposes the writer's circuit breaker for health reporting.
func (w *FlightWriter) Breaker() *CircuitBreaker {
	return w.breaker
}

// Close closes the underlying connection.
func (w *FlightWriter) Close() error {
	return w.conn.Close()
}
