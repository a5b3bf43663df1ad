// Package stage implements the pipeline nodes: feature preprocessing into
// packed device tensors, the inference hand-off, and classification
// thresholding back onto batch columns.
package stage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// Preprocessor packs the configured feature columns of each message's window
// into one transposed float32 tensor plus its [count, 3] index companion and
// attaches both as inference memory.
type Preprocessor struct {
	alloc    device.Allocator
	features []string
	policy   table.RepairPolicy
}

type PreprocessorOption func(*Preprocessor)

// WithRepairPolicy overrides how non-numeric feature columns are coerced.
func WithRepairPolicy(p table.RepairPolicy) PreprocessorOption {
	return func(pre *Preprocessor) { pre.policy = p }
}

// NewPreprocessor validates the ordered feature list once; a bad feature set
// is a configuration error, not a per-message one.
func NewPreprocessor(alloc device.Allocator, features []string, opts ...PreprocessorOption) (*Preprocessor, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("stage: preprocessor needs at least one feature column")
	}
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		if f == "" {
			return nil, fmt.Errorf("stage: empty feature column name")
		}
		if seen[f] {
			return nil, fmt.Errorf("stage: duplicate feature column %q", f)
		}
		seen[f] = true
	}
	p := &Preprocessor{
		alloc:    alloc,
		features: features,
		policy:   table.DefaultRepairPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Preprocessor) Name() string { return "preprocess" }

func (p *Preprocessor) Process(ctx context.Context, m *pipeline.Message) (*pipeline.Message, error) {
	view, err := table.NewView(m.Batch, p.features, m.Offset, m.Count)
	if err != nil {
		return nil, err
	}

	// Drop to host once per offending column, then re-view so the repaired
	// dtypes are visible. Other windows of the batch see the same repair.
	repaired := false
	for i := 0; i < view.NumColumns(); i++ {
		if view.DType(i) != device.Utf8 {
			continue
		}
		if err := table.RepairColumn(p.alloc, m.Batch, view.Name(i), p.policy); err != nil {
			return nil, err
		}
		repaired = true
	}
	if repaired {
		if view, err = table.NewView(m.Batch, p.features, m.Offset, m.Count); err != nil {
			return nil, err
		}
	}

	packed, err := p.pack(view)
	if err != nil {
		return nil, err
	}

	// The packed buffer is column-major [features, count]; the model wants
	// logical [count, features]. A stride swap gets there without a copy.
	byCol := device.NewTensor(packed, device.Float32, []int{len(p.features), m.Count})
	packed.Release()
	input, err := kernels.Transpose(byCol)
	byCol.Release()
	if err != nil {
		return nil, err
	}

	segIDs, err := kernels.SegIDs(p.alloc, m.Count, len(p.features))
	if err != nil {
		input.Release()
		return nil, err
	}

	mem := inference.NewMemory(m.Count)
	mem.SetTensor(inference.TensorInput, input)
	mem.SetTensor(inference.TensorSegIDs, segIDs)

	rowsProcessed.WithLabelValues("preprocess").Add(float64(m.Count))
	log.Debug().
		Int64("batch", m.Batch.ID()).
		Int("offset", m.Offset).
		Int("count", m.Count).
		Int("features", len(p.features)).
		Msg("Packed feature tensor")

	return &pipeline.Message{
		Batch:  m.Batch,
		Offset: m.Offset,
		Count:  m.Count,
		Memory: mem,
	}, nil
}

// pack copies every feature column's window, cast to float32 when needed,
// into its column-major slot of one contiguous allocation.
func (p *Preprocessor) pack(view *table.View) (*device.Buffer, error) {
	count := view.NumRows()
	packed, err := p.alloc.Allocate(len(p.features) * count * device.Float32.Size())
	if err != nil {
		return nil, fmt.Errorf("packed feature buffer: %w", err)
	}
	out := packed.Float32s()

	for i := 0; i < view.NumColumns(); i++ {
		win, err := view.Window(i)
		if err != nil {
			packed.Release()
			return nil, err
		}
		col, err := kernels.Cast(p.alloc, win, device.Float32)
		win.Release()
		if err != nil {
			packed.Release()
			return nil, fmt.Errorf("feature %q: %w", view.Name(i), err)
		}
		src := col.Buffer().Float32s()[col.Offset() : col.Offset()+count]
		copy(out[i*count:(i+1)*count], src)
		col.Release()
	}
	return packed, nil
}
