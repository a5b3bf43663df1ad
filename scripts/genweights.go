//go:build ignore

package main

import (
	"encoding/binary"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
)

// Generates a weight file for the -weights flag: features*labels float32
// weights in row-major order followed by labels float32 biases, all
// little-endian. Xavier init, so probabilities land in the curved region of
// the sigmoid instead of saturating.
func main() {
	features := flag.Int("features", 2, "Feature count (rows of W)")
	labels := flag.Int("labels", 2, "Label count (cols of W)")
	seed := flag.Int64("seed", 42, "RNG seed")
	out := flag.String("out", "quiver_weights.bin", "Output path")
	flag.Parse()

	r := rand.New(rand.NewSource(*seed))
	limit := math.Sqrt(6.0 / float64(*features+*labels))

	w := make([]float32, (*features)*(*labels))
	for i := range w {
		w[i] = float32((r.Float64()*2 - 1) * limit)
	}
	b := make([]float32, *labels)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, w); err != nil {
		log.Fatalf("Failed to write weights: %v", err)
	}
	if err := binary.Write(f, binary.LittleEndian, b); err != nil {
		log.Fatalf("Failed to write biases: %v", err)
	}

	log.Printf("Wrote %dx%d weights + %d biases to %s", *features, *labels, *labels, *out)
}
