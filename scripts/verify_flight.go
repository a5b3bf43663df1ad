//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/client"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Quiver Flight Server")

	// Requires the server to run with -features a,b.
	w, err := client.NewFlightWriter(addr, "smoke")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build Flight writer")
	}
	defer w.Close()

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Float64},
		{Name: "b", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	ab := array.NewFloat64Builder(mem)
	defer ab.Release()
	ab.AppendValues([]float64{0.1, 0.9, 0.4}, nil)

	bb := array.NewFloat64Builder(mem)
	defer bb.Release()
	bb.AppendValues([]float64{0.8, 0.2, 0.6}, nil)

	cols := []arrow.Array{ab.NewArray(), bb.NewArray()}
	rec := array.NewRecord(schema, cols, 3)
	for _, c := range cols {
		c.Release()
	}
	defer rec.Release()

	log.Info().Int64("rows", rec.NumRows()).Msg("Sending feature record")

	// The gRPC connection is lazy; dial failures surface here, so retry the
	// publish rather than the construction.
	start := time.Now()
	for i := 0; i < 10; i++ {
		err = w.Publish(context.Background(), rec)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Publish failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to publish after retries")
	}

	log.Info().Dur("elapsed", time.Since(start)).Msg("Record accepted")
	fmt.Println("VERIFICATION PASSED")
}
