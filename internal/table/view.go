package table

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// View is a read-only projection of selected columns over a contiguous row
// window of a batch. Views are built per message and discarded after the
// stage is done; after a repair the stage obtains a fresh view instead of
// patching this one.
type View struct {
	batch  *Batch
	names  []string
	dtypes []device.DType
	offset int
	count  int
}

// NewView projects cols over rows [offset, offset+count) of batch. The
// selected columns must exist and the window must lie inside the batch.
// Column dtypes are snapshotted under the read lock; they go stale if a
// repair lands afterwards, which is why stages re-view after repairing.
func NewView(batch *Batch, cols []string, offset, count int) (*View, error) {
	if offset < 0 || count <= 0 || offset+count > batch.NumRows() {
		return nil, fmt.Errorf("%w: [%d, %d) of %d rows", ErrWindow, offset, offset+count, batch.NumRows())
	}
	v := &View{
		batch:  batch,
		names:  cols,
		dtypes: make([]device.DType, len(cols)),
		offset: offset,
		count:  count,
	}
	batch.mu.RLock()
	defer batch.mu.RUnlock()
	for i, name := range cols {
		idx, ok := batch.pos[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
		v.dtypes[i] = batch.cols[idx].DType()
	}
	return v, nil
}

func (v *View) NumRows() int { return v.count }

func (v *View) Offset() int { return v.offset }

func (v *View) NumColumns() int { return len(v.names) }

// Name returns the i-th selected column name.
func (v *View) Name(i int) string { return v.names[i] }

// DType returns the i-th column's dtype as snapshotted at view construction.
func (v *View) DType(i int) device.DType { return v.dtypes[i] }

// Window returns a no-copy tensor view of the i-th column's window rows.
// Utf8 columns have no device backing and must be repaired first.
func (v *View) Window(i int) (*device.Tensor, error) {
	col, err := v.batch.Column(v.names[i])
	if err != nil {
		return nil, err
	}
	if !col.DType().FixedWidth() {
		return nil, fmt.Errorf("%w: window over %s column %q", ErrColumnType, col.DType(), col.Name())
	}
	return device.NewTensorStrided(col.Buffer(), col.DType(), []int{v.count}, []int{1}, v.offset), nil
}

// Strings returns the window's cells for a utf8 column.
func (v *View) Strings(i int) ([]string, error) {
	col, err := v.batch.Column(v.names[i])
	if err != nil {
		return nil, err
	}
	if col.DType() != device.Utf8 {
		return nil, fmt.Errorf("%w: Strings on %s column %q", ErrColumnType, col.DType(), col.Name())
	}
	return col.Cells()[v.offset : v.offset+v.count], nil
}
