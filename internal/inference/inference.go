// Package inference defines the boundary to the model call: the named-tensor
// memory container stages hand over, and the Runner interface an engine
// implements. LocalRunner is the in-tree reference engine.
package inference

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Tensor names the downstream engine expects in a Memory.
const (
	TensorInput  = "input__0"
	TensorSegIDs = "seq_ids"
)

// Memory carries the window row count plus the named input tensors for one
// inference call. Tensor insertion order is preserved.
type Memory struct {
	Count   int
	names   []string
	tensors map[string]*device.Tensor
}

func NewMemory(count int) *Memory {
	return &Memory{
		Count:   count,
		tensors: make(map[string]*device.Tensor, 2),
	}
}

// SetTensor attaches t under name, taking ownership of one reference. An
// existing tensor of the same name is released and replaced in place.
func (m *Memory) SetTensor(name string, t *device.Tensor) {
	if old, ok := m.tensors[name]; ok {
		old.Release()
		m.tensors[name] = t
		return
	}
	m.names = append(m.names, name)
	m.tensors[name] = t
}

// Tensor returns the named tensor without transferring ownership.
func (m *Memory) Tensor(name string) (*device.Tensor, error) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("inference: memory has no tensor %q (have %v)", name, m.names)
	}
	return t, nil
}

// Names returns the tensor names in insertion order.
func (m *Memory) Names() []string {
	return m.names
}

// Release frees every attached tensor. The Memory is empty afterwards.
func (m *Memory) Release() {
	for _, name := range m.names {
		m.tensors[name].Release()
		delete(m.tensors, name)
	}
	m.names = m.names[:0]
}

// Runner is the model call. Implementations receive a Memory holding
// TensorInput (logical [count, features]) and TensorSegIDs ([count, 3]) and
// return a [count, numLabels] probability tensor the caller owns.
type Runner interface {
	Infer(ctx context.Context, mem *Memory) (*device.Tensor, error)
}
