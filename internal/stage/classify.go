package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
)

// ErrShapeMismatch is returned when a probability tensor does not match the
// classifier's configured width. The message fails whole; no partial labels
// are written.
var ErrShapeMismatch = errors.New("stage: probability tensor shape mismatch")

// Classifier thresholds a [count, numLabels] probability tensor and writes one
// boolean column per mapped label back onto the message's batch window.
type Classifier struct {
	alloc     device.Allocator
	threshold float64
	numLabels int
	labels    *orderedmap.OrderedMap[int, string]
}

// NewClassifier validates the label map against the model's output width.
// Every mapped index must fall inside [0, numLabels); the map may cover fewer
// columns than the model emits, never more.
func NewClassifier(alloc device.Allocator, threshold float64, numLabels int, labels *orderedmap.OrderedMap[int, string]) (*Classifier, error) {
	if numLabels <= 0 {
		return nil, fmt.Errorf("stage: classifier needs a positive label width, got %d", numLabels)
	}
	if labels == nil || labels.Len() == 0 {
		return nil, fmt.Errorf("stage: classifier needs a label index map")
	}
	if labels.Len() > numLabels {
		return nil, fmt.Errorf("stage: label map holds %d entries for %d model outputs", labels.Len(), numLabels)
	}
	seen := make(map[string]bool, labels.Len())
	for pair := labels.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key < 0 || pair.Key >= numLabels {
			return nil, fmt.Errorf("stage: label index %d outside [0, %d)", pair.Key, numLabels)
		}
		if pair.Value == "" {
			return nil, fmt.Errorf("stage: empty label name for index %d", pair.Key)
		}
		if seen[pair.Value] {
			return nil, fmt.Errorf("stage: duplicate label name %q", pair.Value)
		}
		seen[pair.Value] = true
	}
	return &Classifier{
		alloc:     alloc,
		threshold: threshold,
		numLabels: numLabels,
		labels:    labels,
	}, nil
}

func (c *Classifier) Name() string { return "classify" }

// Labels returns the output column names in map order.
func (c *Classifier) Labels() []string {
	names := make([]string, 0, c.labels.Len())
	for pair := c.labels.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Value)
	}
	return names
}

func (c *Classifier) Process(ctx context.Context, m *pipeline.Message) (*pipeline.Message, error) {
	probs := m.Probs
	if probs == nil {
		return nil, fmt.Errorf("stage: message for batch %d has no probability tensor", m.Batch.ID())
	}
	shape := probs.Shape()
	if len(shape) != 2 || shape[0] != m.Count || shape[1] != c.numLabels {
		return nil, fmt.Errorf("%w: got %v, want [%d, %d]", ErrShapeMismatch, shape, m.Count, c.numLabels)
	}

	private, err := c.duplicate(probs)
	if err != nil {
		return nil, err
	}
	bools, err := kernels.Threshold(c.alloc, private, c.threshold)
	private.Release()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, c.labels.Len())
	views := make([]*device.Tensor, 0, c.labels.Len())
	release := func() {
		for _, v := range views {
			v.Release()
		}
		bools.Release()
	}
	for pair := c.labels.Oldest(); pair != nil; pair = pair.Next() {
		v, err := bools.Slice([]int{0, pair.Key}, []int{m.Count, pair.Key + 1})
		if err != nil {
			release()
			return nil, err
		}
		names = append(names, pair.Value)
		views = append(views, v)
	}

	err = m.Batch.SetBoolSlices(names, views, c.alloc, m.Offset, m.Count)
	release()
	if err != nil {
		return nil, err
	}

	rowsProcessed.WithLabelValues("classify").Add(float64(m.Count))
	labelCells.Add(float64(len(names) * m.Count))
	log.Debug().
		Int64("batch", m.Batch.ID()).
		Int("offset", m.Offset).
		Int("count", m.Count).
		Int("labels", len(names)).
		Float64("threshold", c.threshold).
		Msg("Attached classification labels")
	return m, nil
}

// duplicate copies the probability view's addressed region into a private
// buffer. The stage must not read memory it does not own past this point;
// a producer is free to recycle its output buffer once Process returns.
// Strides are normalized to element units on the way.
func (c *Classifier) duplicate(t *device.Tensor) (*device.Tensor, error) {
	shape := t.Shape()
	stride := t.ElemStrides()
	size := t.DType().Size()

	extent := 1
	for i, s := range shape {
		extent += (s - 1) * stride[i]
	}
	buf, err := c.alloc.Allocate(extent * size)
	if err != nil {
		return nil, fmt.Errorf("probability copy: %w", err)
	}
	start := t.Offset() * size
	copy(buf.Bytes(), t.Buffer().Bytes()[start:start+extent*size])

	out := device.NewTensorStrided(buf, t.DType(), shape, stride, 0)
	buf.Release()
	return out, nil
}
