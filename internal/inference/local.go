package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// LocalRunner scores feature tensors with a logistic model, sigmoid(X*W + b),
// entirely in-process. It exists so the pipeline runs end to end without an
// external engine; weights come from a flat binary file or a seeded random
// init.
type LocalRunner struct {
	alloc    device.Allocator
	weights  *mat.Dense
	bias     []float64
	features int
	labels   int

	// xPool recycles input matrices between calls; row counts vary per
	// window, so pooled matrices are resliced down when they fit.
	xPool sync.Pool
}

func (lr *LocalRunner) getX(rows int) *mat.Dense {
	if v := lr.xPool.Get(); v != nil {
		m := v.(*mat.Dense)
		r, c := m.Dims()
		if r >= rows && c == lr.features {
			return mat.NewDense(rows, lr.features, m.RawMatrix().Data[:rows*lr.features])
		}
	}
	return mat.NewDense(rows, lr.features, nil)
}

// NewLocalRunner builds a runner with Xavier-initialized random weights.
func NewLocalRunner(alloc device.Allocator, numFeatures, numLabels int, seed int64) (*LocalRunner, error) {
	if numFeatures <= 0 || numLabels <= 0 {
		return nil, fmt.Errorf("inference: runner needs positive dims, got %dx%d", numFeatures, numLabels)
	}
	r := rand.New(rand.NewSource(seed))
	limit := math.Sqrt(6.0 / float64(numFeatures+numLabels))
	data := make([]float64, numFeatures*numLabels)
	for i := range data {
		data[i] = (r.Float64()*2 - 1) * limit
	}
	return &LocalRunner{
		alloc:    alloc,
		weights:  mat.NewDense(numFeatures, numLabels, data),
		bias:     make([]float64, numLabels),
		features: numFeatures,
		labels:   numLabels,
	}, nil
}

// LoadLocalRunner reads weights from a raw binary file: numFeatures*numLabels
// float32 weights in row-major order followed by numLabels float32 biases,
// little-endian throughout.
func LoadLocalRunner(alloc device.Allocator, path string, numFeatures, numLabels int) (*LocalRunner, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	w := make([]float32, numFeatures*numLabels)
	if err := binary.Read(file, binary.LittleEndian, w); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	b := make([]float32, numLabels)
	if err := binary.Read(file, binary.LittleEndian, b); err != nil {
		return nil, fmt.Errorf("failed to load bias: %w", err)
	}

	data := make([]float64, len(w))
	for i, v := range w {
		data[i] = float64(v)
	}
	bias := make([]float64, len(b))
	for i, v := range b {
		bias[i] = float64(v)
	}
	log.Info().Str("path", path).Int("features", numFeatures).Int("labels", numLabels).Msg("Loaded model weights")
	return &LocalRunner{
		alloc:    alloc,
		weights:  mat.NewDense(numFeatures, numLabels, data),
		bias:     bias,
		features: numFeatures,
		labels:   numLabels,
	}, nil
}

func (lr *LocalRunner) NumLabels() int { return lr.labels }

func (lr *LocalRunner) Infer(ctx context.Context, mem *Memory) (*device.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	in, err := mem.Tensor(TensorInput)
	if err != nil {
		return nil, err
	}
	shape := in.Shape()
	if len(shape) != 2 || shape[1] != lr.features {
		return nil, fmt.Errorf("inference: input is %v, runner wants [rows, %d]", shape, lr.features)
	}
	count := shape[0]
	if count != mem.Count {
		return nil, fmt.Errorf("inference: input has %d rows, memory says %d", count, mem.Count)
	}

	// Strided reads absorb the transposed physical layout of the packed
	// feature buffer. Every cell is written, so pooled matrices need no
	// zeroing.
	x := lr.getX(count)
	defer lr.xPool.Put(x)
	for r := 0; r < count; r++ {
		for c := 0; c < lr.features; c++ {
			x.Set(r, c, in.At(r, c))
		}
	}

	var scores mat.Dense
	scores.Mul(x, lr.weights)

	buf, err := lr.alloc.Allocate(count * lr.labels * device.Float32.Size())
	if err != nil {
		return nil, fmt.Errorf("probability tensor: %w", err)
	}
	out := buf.Float32s()
	for r := 0; r < count; r++ {
		for c := 0; c < lr.labels; c++ {
			z := scores.At(r, c) + lr.bias[c]
			out[r*lr.labels+c] = float32(simd.SigmoidFast(z))
		}
	}

	probs := device.NewTensor(buf, device.Float32, []int{count, lr.labels})
	buf.Release()

	inferencesTotal.Inc()
	rowsInferred.Add(float64(count))
	inferenceDuration.Observe(time.Since(start).Seconds())
	return probs, nil
}
