package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/stage"
	"github.com/23skdu/longbow-quiver/internal/table"
)

var (
	rowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_rows_processed_total",
		Help: "The total number of rows classified",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing infer requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Publisher forwards labeled records downstream.
type Publisher interface {
	Publish(ctx context.Context, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	alloc    device.Allocator
	mem      memory.Allocator
	pre      *stage.Preprocessor
	inf      *stage.Infer
	cls      *stage.Classifier
	pub      Publisher
	builder  *client.RecordBuilder
	sem      *semaphore.Weighted
	capacity int64
}

func NewServer(alloc device.Allocator, pre *stage.Preprocessor, inf *stage.Infer, cls *stage.Classifier, pub Publisher, maxConcurrent int) *Server {
	mem := memory.NewGoAllocator()
	return &Server{
		alloc:    alloc,
		mem:      mem,
		pre:      pre,
		inf:      inf,
		cls:      cls,
		pub:      pub,
		builder:  client.NewRecordBuilder(mem),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: int64(maxConcurrent),
	}
}

func startServer(addr string, srv *Server) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/infer", srv.handleInfer)
	http.HandleFunc("/infer/arrow", srv.handleInferArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Quiver Server")
	if srv.pub != nil {
		log.Info().Msg("Forwarding labeled records to Longbow")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("quiver-server")

type inferRequest struct {
	// Columns carries numeric feature columns by name.
	Columns map[string][]float64 `cbor:"columns"`
	// Strings carries raw text columns the repair path coerces.
	Strings map[string][]string `cbor:"strings,omitempty"`
}

type inferResponse struct {
	Rows   int               `cbor:"rows"`
	Labels map[string][]bool `cbor:"labels"`
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInfer")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req inferRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	batch, rows, err := s.buildBatch(&req)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	if rows == 0 {
		writeCBOR(w, &inferResponse{Rows: 0, Labels: map[string][]bool{}})
		return
	}
	defer batch.Release()

	span.SetAttributes(attribute.Int("row_count", rows))

	// Admission control by row count.
	weight := int64(rows)
	if weight > s.capacity {
		http.Error(w, "Batch exceeds server capacity", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	out, err := pipeline.Each(ctx, &pipeline.Message{Batch: batch, Offset: 0, Count: rows}, s.pre, s.inf, s.cls)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	out.Release()
	rowsProcessed.Add(float64(rows))

	labels, err := s.labelVectors(batch, rows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.forward(ctx, batch)
	writeCBOR(w, &inferResponse{Rows: rows, Labels: labels})
}

func (s *Server) handleInferArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInferArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.mem))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var out *ipc.Writer
	totalRows := 0
	for reader.Next() {
		rec := reader.Record()
		labeled, err := s.classifyRecord(ctx, rec)
		if err != nil {
			span.RecordError(err)
			if out == nil {
				http.Error(w, err.Error(), statusFor(err))
			} else {
				log.Error().Err(err).Msg("Error classifying record mid-stream")
			}
			return
		}

		if out == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			out = ipc.NewWriter(w, ipc.WithSchema(labeled.Schema()))
			defer out.Close()
		}
		err = out.Write(labeled)
		labeled.Release()
		if err != nil {
			log.Error().Err(err).Msg("Error writing labeled record")
			return
		}
		totalRows += int(rec.NumRows())
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if out == nil {
			http.Error(w, "Stream error", http.StatusInternalServerError)
		}
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusOK)
	}
	span.SetAttributes(attribute.Int("row_count", totalRows))
}

// classifyRecord runs one ingested record through the stages and returns the
// labeled egress record.
func (s *Server) classifyRecord(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	rows := int(rec.NumRows())
	weight := int64(rows)
	if weight > s.capacity {
		return nil, fmt.Errorf("record of %d rows exceeds server capacity", rows)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer s.sem.Release(weight)

	batch, err := table.FromRecord(s.alloc, rec)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	out, err := pipeline.Each(ctx, &pipeline.Message{Batch: batch, Offset: 0, Count: rows}, s.pre, s.inf, s.cls)
	if err != nil {
		return nil, err
	}
	out.Release()
	rowsProcessed.Add(float64(rows))

	s.forward(ctx, batch)
	return s.builder.Results(batch, nil)
}

// buildBatch assembles a device-backed batch from the request columns, in
// sorted column order so egress records are deterministic.
func (s *Server) buildBatch(req *inferRequest) (*table.Batch, int, error) {
	rows := -1
	check := func(name string, n int) error {
		if rows == -1 {
			rows = n
		}
		if n != rows {
			return fmt.Errorf("column %q has %d rows, want %d", name, n, rows)
		}
		return nil
	}

	var cols []*table.Column
	fail := func(err error) (*table.Batch, int, error) {
		for _, c := range cols {
			c.Release()
		}
		return nil, 0, err
	}

	names := make([]string, 0, len(req.Columns))
	for name := range req.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vals := req.Columns[name]
		if err := check(name, len(vals)); err != nil {
			return fail(err)
		}
		buf, err := s.alloc.Allocate(len(vals) * device.Float64.Size())
		if err != nil {
			return fail(err)
		}
		copy(buf.Float64s(), vals)
		col, err := table.NewColumn(name, device.Float64, buf, len(vals))
		buf.Release()
		if err != nil {
			return fail(err)
		}
		cols = append(cols, col)
	}

	names = names[:0]
	for name := range req.Strings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cells := req.Strings[name]
		if err := check(name, len(cells)); err != nil {
			return fail(err)
		}
		cols = append(cols, table.NewStringColumn(name, cells))
	}

	if rows <= 0 {
		for _, c := range cols {
			c.Release()
		}
		return nil, 0, nil
	}
	batch, err := table.NewBatch(cols)
	if err != nil {
		return fail(err)
	}
	return batch, rows, nil
}

// labelVectors copies the label columns off the batch for the CBOR response.
func (s *Server) labelVectors(batch *table.Batch, rows int) (map[string][]bool, error) {
	names := s.cls.Labels()
	out := make(map[string][]bool, len(names))
	for _, name := range names {
		col, err := batch.Column(name)
		if err != nil {
			return nil, err
		}
		vals := make([]bool, rows)
		copy(vals, col.Buffer().Bools()[:rows])
		out[name] = vals
	}
	return out, nil
}

// forward publishes the labeled batch downstream; failures are logged, not
// surfaced to the requester whose labels are already computed.
func (s *Server) forward(ctx context.Context, batch *table.Batch) {
	if s.pub == nil {
		return
	}
	rec, err := s.builder.Results(batch, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error building egress record")
		return
	}
	defer rec.Release()
	if err := s.pub.Publish(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding labels to Longbow")
	}
}

func writeCBOR(w http.ResponseWriter, resp *inferResponse) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
	}
}

// statusFor maps contract violations to 400s; everything else is a 500.
func statusFor(err error) int {
	var re *table.RepairError
	switch {
	case errors.Is(err, table.ErrMissingColumn),
		errors.Is(err, table.ErrColumnType),
		errors.Is(err, table.ErrWindow),
		errors.Is(err, stage.ErrShapeMismatch),
		errors.As(err, &re):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
