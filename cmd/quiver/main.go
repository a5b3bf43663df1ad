package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/stage"
	"github.com/23skdu/longbow-quiver/internal/table"
)

var (
	featuresFlag  = flag.String("features", "", "Comma separated feature column names (required)")
	labelsFlag    = flag.String("labels", "", "Label map as index:name pairs, e.g. 0:malicious,1:benign (required)")
	numLabels     = flag.Int("num-labels", 0, "Model output width (default: highest label index + 1)")
	threshold     = flag.Float64("threshold", 0.5, "Probability threshold for label columns")
	weightsPath   = flag.String("weights", "", "Path to model weights (random init when empty)")
	seed          = flag.Int64("seed", 1, "Seed for random weight init")
	inputPath     = flag.String("input", "", "Input file (.csv or Arrow IPC stream), file mode")
	windowSize    = flag.Int("window", 1024, "Rows per pipeline message")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr    = flag.String("server", "", "Longbow server address for label forwarding (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "quiver_labels", "Target dataset name on the downstream server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent rows to process")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	usePool       = flag.Bool("pool", true, "Recycle device buffers across messages")
	repairPattern = flag.String("repair-pattern", "", "Override the numeric extraction pattern for string columns")
	repairZero    = flag.Bool("repair-miss-zero", false, "Write 0 instead of failing when the pattern misses")
	repairCache   = flag.Bool("repair-cache", true, "Memoize string cell parses across repairs")
)

func parseFeatures(s string) []string {
	var features []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			features = append(features, part)
		}
	}
	return features
}

func parseLabels(s string) (*orderedmap.OrderedMap[int, string], error) {
	lm := orderedmap.New[int, string]()
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx, name, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("label %q: want index:name", part)
		}
		i, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", part, err)
		}
		lm.Set(i, strings.TrimSpace(name))
	}
	if lm.Len() == 0 {
		return nil, fmt.Errorf("no label map given")
	}
	return lm, nil
}

func labelWidth(lm *orderedmap.OrderedMap[int, string]) int {
	width := 0
	for pair := lm.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key+1 > width {
			width = pair.Key + 1
		}
	}
	return width
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	features := parseFeatures(*featuresFlag)
	if len(features) == 0 {
		log.Fatal().Msg("No feature columns given (-features)")
	}
	labels, err := parseLabels(*labelsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad label map (-labels)")
	}
	width := *numLabels
	if width == 0 {
		width = labelWidth(labels)
	}

	var alloc device.Allocator = device.NewHostAllocator()
	if *usePool {
		alloc = device.NewPoolAllocator(alloc)
	}

	var preOpts []stage.PreprocessorOption
	if *repairPattern != "" || *repairZero || *repairCache {
		policy := table.DefaultRepairPolicy()
		if *repairPattern != "" {
			pattern, err := regexp.Compile(*repairPattern)
			if err != nil {
				log.Fatal().Err(err).Msg("Bad repair pattern")
			}
			policy.Pattern = pattern
		}
		if *repairZero {
			policy.OnMiss = table.MissZero
		}
		if *repairCache {
			policy.Cache = cache.NewMapCache()
		}
		preOpts = append(preOpts, stage.WithRepairPolicy(policy))
	}

	pre, err := stage.NewPreprocessor(alloc, features, preOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build preprocessor")
	}
	cls, err := stage.NewClassifier(alloc, *threshold, width, labels)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build classifier")
	}

	var runner inference.Runner
	if *weightsPath != "" {
		runner, err = inference.LoadLocalRunner(alloc, *weightsPath, len(features), width)
	} else {
		runner, err = inference.NewLocalRunner(alloc, len(features), width, *seed)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build runner")
	}
	inf := stage.NewInfer(runner)

	var writer *client.FlightWriter
	if *serverAddr != "" {
		writer, err = client.NewFlightWriter(*serverAddr, *datasetName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := writer.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight writer")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding labels to Longbow")
	}

	// Server mode
	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(alloc, pre, inf, cls, publisherOrNil(writer), *maxConcurrent)
		if *flightAddr != "" {
			if *listenAddr != "" {
				go startServer(*listenAddr, srv)
			}
			StartFlightServer(*flightAddr, srv)
			return
		}
		startServer(*listenAddr, srv)
		return
	}

	if *inputPath == "" {
		log.Fatal().Msg("Nothing to do: give -input, -listen or -flight")
	}

	if err := runFile(context.Background(), *inputPath, alloc, pre, inf, cls, writer); err != nil {
		log.Fatal().Err(err).Str("input", *inputPath).Msg("File run failed")
	}
}

// publisherOrNil avoids handing the server a typed nil inside the interface.
func publisherOrNil(w *client.FlightWriter) Publisher {
	if w == nil {
		return nil
	}
	return w
}

// recordSource is the shared shape of the csv and ipc readers.
type recordSource interface {
	Next() bool
	Record() arrow.RecordBatch
	Err() error
	Release()
}

// runFile classifies every record of the input file and writes the labeled
// records to the downstream server or, without one, as an IPC stream on
// stdout.
func runFile(ctx context.Context, path string, alloc device.Allocator, pre *stage.Preprocessor, inf *stage.Infer, cls *stage.Classifier, writer *client.FlightWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var src recordSource
	if strings.HasSuffix(path, ".csv") {
		src = csv.NewInferringReader(f, csv.WithHeader(true), csv.WithChunk(-1))
	} else {
		rdr, err := ipc.NewReader(f)
		if err != nil {
			return fmt.Errorf("open IPC stream: %w", err)
		}
		src = rdr
	}
	defer src.Release()

	builder := client.NewRecordBuilder(memory.NewGoAllocator())
	var stdout *ipc.Writer
	defer func() {
		if stdout != nil {
			_ = stdout.Close()
		}
	}()

	for src.Next() {
		batch, err := table.FromRecord(alloc, src.Record())
		if err != nil {
			return err
		}
		if err := classifyBatch(ctx, batch, pre, inf, cls); err != nil {
			batch.Release()
			return err
		}

		labeled, err := builder.Results(batch, nil)
		if err != nil {
			batch.Release()
			return err
		}
		if writer != nil {
			err = writer.Publish(ctx, labeled)
		} else {
			if stdout == nil {
				stdout = ipc.NewWriter(os.Stdout, ipc.WithSchema(labeled.Schema()))
			}
			err = stdout.Write(labeled)
		}
		labeled.Release()
		batch.Release()
		if err != nil {
			return err
		}
	}
	return src.Err()
}

// classifyBatch windows the batch into messages and runs them through the
// stage chain. The trigger holds results back until the whole batch is done,
// so a failed window never leaves a half-labeled batch observable downstream.
func classifyBatch(ctx context.Context, batch *table.Batch, pre *stage.Preprocessor, inf *stage.Infer, cls *stage.Classifier) error {
	rows := batch.NumRows()
	in := make(chan *pipeline.Message, 4)
	out, wait := pipeline.New(pre, inf, cls).Run(ctx, in)
	done := pipeline.Trigger(ctx, out)

	go func() {
		defer close(in)
		for off := 0; off < rows; off += *windowSize {
			count := *windowSize
			if off+count > rows {
				count = rows - off
			}
			select {
			case in <- &pipeline.Message{Batch: batch, Offset: off, Count: count}:
			case <-ctx.Done():
				return
			}
		}
	}()

	windows := 0
	for m := range done {
		m.Release()
		windows++
	}
	if err := wait(); err != nil {
		return err
	}
	log.Info().
		Int64("batch", batch.ID()).
		Int("rows", rows).
		Int("windows", windows).
		Msg("Classified batch")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
