package stage

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
)

// Infer bridges the pipeline to an inference.Runner. It hands the message's
// packed tensors to the runner and swaps them for the returned probabilities;
// the input tensors are released here since nothing downstream reads them.
type Infer struct {
	runner inference.Runner
}

func NewInfer(runner inference.Runner) *Infer {
	return &Infer{runner: runner}
}

func (n *Infer) Name() string { return "infer" }

func (n *Infer) Process(ctx context.Context, m *pipeline.Message) (*pipeline.Message, error) {
	if m.Memory == nil {
		return nil, fmt.Errorf("stage: message for batch %d reached inference without tensors", m.Batch.ID())
	}
	probs, err := n.runner.Infer(ctx, m.Memory)
	if err != nil {
		return nil, err
	}
	m.Memory.Release()
	m.Memory = nil
	m.Probs = probs
	rowsProcessed.WithLabelValues("infer").Add(float64(m.Count))
	return m, nil
}
