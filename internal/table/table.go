// Package table implements the shared tabular batch the pipeline stages read
// through windowed views, plus the host-side string repair boundary. Batches
// are read-mostly: the repair path swaps whole columns and the classification
// stage writes boolean label columns, both under the batch write lock.
package table

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/kernels"
)

var (
	ErrMissingColumn = errors.New("table: column not found")
	ErrColumnType    = errors.New("table: unsupported column type")
	ErrWindow        = errors.New("table: row window out of range")
)

var batchSeq atomic.Int64

// Column is one named column of a batch. Fixed-width columns live in a device
// buffer; utf8 columns keep host cells until the repair path converts them.
type Column struct {
	name  string
	dtype device.DType
	buf   *device.Buffer
	cells []string
	rows  int
}

// NewColumn builds a fixed-width column over buf and retains the buffer.
func NewColumn(name string, dtype device.DType, buf *device.Buffer, rows int) (*Column, error) {
	if !dtype.FixedWidth() {
		return nil, fmt.Errorf("%w: %s column %q needs NewStringColumn", ErrColumnType, dtype, name)
	}
	if buf.Len() != rows*dtype.Size() {
		return nil, fmt.Errorf("table: column %q buffer is %d bytes, want %d for %d %s rows",
			name, buf.Len(), rows*dtype.Size(), rows, dtype)
	}
	return &Column{name: name, dtype: dtype, buf: buf.Retain(), rows: rows}, nil
}

// NewStringColumn builds a host-side utf8 column.
func NewStringColumn(name string, cells []string) *Column {
	return &Column{name: name, dtype: device.Utf8, cells: cells, rows: len(cells)}
}

func (c *Column) Name() string        { return c.name }
func (c *Column) DType() device.DType { return c.dtype }
func (c *Column) Rows() int           { return c.rows }

// Buffer returns the device backing of a fixed-width column, nil for utf8.
func (c *Column) Buffer() *device.Buffer { return c.buf }

// Cells returns the host cells of a utf8 column, nil otherwise.
func (c *Column) Cells() []string { return c.cells }

// Release drops the column's buffer reference.
func (c *Column) Release() {
	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}
}

// Batch is a shared tabular batch. Multiple in-flight messages reference
// disjoint row windows of one batch; all column reads and swaps go through
// the embedded lock.
type Batch struct {
	mu   sync.RWMutex
	id   int64
	cols []*Column
	pos  map[string]int
	rows int
}

// NewBatch assembles a batch from ordered columns. Columns must be uniquely
// named and agree on the row count.
func NewBatch(cols []*Column) (*Batch, error) {
	if len(cols) == 0 {
		return nil, errors.New("table: batch needs at least one column")
	}
	b := &Batch{
		id:   batchSeq.Add(1),
		cols: cols,
		pos:  make(map[string]int, len(cols)),
		rows: cols[0].Rows(),
	}
	for i, c := range cols {
		if _, dup := b.pos[c.Name()]; dup {
			return nil, fmt.Errorf("table: duplicate column %q", c.Name())
		}
		if c.Rows() != b.rows {
			return nil, fmt.Errorf("table: column %q has %d rows, batch has %d", c.Name(), c.Rows(), b.rows)
		}
		b.pos[c.Name()] = i
	}
	batchesTotal.Inc()
	return b, nil
}

// ID returns the process-unique batch id used in logs and traces.
func (b *Batch) ID() int64 { return b.id }

func (b *Batch) NumRows() int { return b.rows }

// Names returns the column names in batch order.
func (b *Batch) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.cols))
	for i, c := range b.cols {
		names[i] = c.Name()
	}
	return names
}

// Column returns the named column. The returned pointer is a snapshot; a
// concurrent repair may swap the batch's column afterwards.
func (b *Batch) Column(name string) (*Column, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.pos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	return b.cols[i], nil
}

// ReplaceColumn swaps the named column for repl under the write lock and
// releases the old column's buffer. Row counts must match.
func (b *Batch) ReplaceColumn(name string, repl *Column) error {
	if repl.Rows() != b.rows {
		return fmt.Errorf("table: replacement for %q has %d rows, batch has %d", name, repl.Rows(), b.rows)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.pos[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	old := b.cols[i]
	b.cols[i] = repl
	old.Release()
	return nil
}

// SetBoolSlices writes one boolean label column per name at the window's
// rows. Absent columns are created false-filled across the whole batch.
// Each tensor must be a bool view holding exactly count elements.
func (b *Batch) SetBoolSlices(names []string, tensors []*device.Tensor, alloc device.Allocator, offset, count int) error {
	if len(names) != len(tensors) {
		return fmt.Errorf("table: %d names for %d tensors", len(names), len(tensors))
	}
	if offset < 0 || count <= 0 || offset+count > b.rows {
		return fmt.Errorf("%w: [%d, %d) of %d rows", ErrWindow, offset, offset+count, b.rows)
	}
	for i, t := range tensors {
		if t.DType() != device.Bool {
			return fmt.Errorf("%w: label column %q is %s, want bool", ErrColumnType, names[i], t.DType())
		}
		if t.NumElements() != count {
			return fmt.Errorf("table: label column %q carries %d values for %d rows", names[i], t.NumElements(), count)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, name := range names {
		idx, ok := b.pos[name]
		if ok && b.cols[idx].DType() != device.Bool {
			return fmt.Errorf("%w: column %q is %s, cannot attach bool labels", ErrColumnType, name, b.cols[idx].DType())
		}
		if !ok {
			buf, err := alloc.Allocate(b.rows)
			if err != nil {
				return fmt.Errorf("label column %q: %w", name, err)
			}
			col, err := NewColumn(name, device.Bool, buf, b.rows)
			buf.Release()
			if err != nil {
				return err
			}
			b.cols = append(b.cols, col)
			idx = len(b.cols) - 1
			b.pos[name] = idx
		}

		src := tensors[i]
		dst := device.NewTensorStrided(b.cols[idx].Buffer(), device.Bool,
			src.Shape(), device.CompactStrides(src.Shape()), offset)
		err := kernels.CopyStrided(dst, src)
		dst.Release()
		if err != nil {
			return fmt.Errorf("label column %q: %w", name, err)
		}
	}
	return nil
}

// Release drops every column buffer. The caller owns the batch lifecycle;
// windows in flight must be drained first.
func (b *Batch) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cols {
		c.Release()
	}
}
