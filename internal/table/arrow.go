package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// FromRecord ingests an Arrow record batch into a Batch, copying fixed-width
// columns into device buffers. Null values have no device representation
// here and are rejected.
func FromRecord(alloc device.Allocator, rec arrow.Record) (*Batch, error) {
	if rec.NumCols() == 0 || rec.NumRows() == 0 {
		return nil, fmt.Errorf("table: empty record (%d cols, %d rows)", rec.NumCols(), rec.NumRows())
	}
	rows := int(rec.NumRows())
	cols := make([]*Column, 0, rec.NumCols())
	fail := func(err error) (*Batch, error) {
		for _, c := range cols {
			c.Release()
		}
		return nil, err
	}

	for i := 0; i < int(rec.NumCols()); i++ {
		name := rec.Schema().Field(i).Name
		arr := rec.Column(i)
		if arr.NullN() > 0 {
			return fail(fmt.Errorf("%w: column %q carries %d nulls", ErrColumnType, name, arr.NullN()))
		}

		var (
			col *Column
			err error
		)
		switch a := arr.(type) {
		case *array.Float32:
			col, err = deviceColumn(alloc, name, device.Float32, rows, func(buf *device.Buffer) {
				copy(buf.Float32s(), a.Float32Values())
			})
		case *array.Float64:
			col, err = deviceColumn(alloc, name, device.Float64, rows, func(buf *device.Buffer) {
				copy(buf.Float64s(), a.Float64Values())
			})
		case *array.Int32:
			col, err = deviceColumn(alloc, name, device.Int32, rows, func(buf *device.Buffer) {
				copy(buf.Int32s(), a.Int32Values())
			})
		case *array.Int64:
			col, err = deviceColumn(alloc, name, device.Int64, rows, func(buf *device.Buffer) {
				copy(buf.Int64s(), a.Int64Values())
			})
		case *array.Uint32:
			col, err = deviceColumn(alloc, name, device.Uint32, rows, func(buf *device.Buffer) {
				copy(buf.Uint32s(), a.Uint32Values())
			})
		case *array.Boolean:
			col, err = deviceColumn(alloc, name, device.Bool, rows, func(buf *device.Buffer) {
				dst := buf.Bools()
				for r := 0; r < rows; r++ {
					dst[r] = a.Value(r)
				}
			})
		case *array.String:
			cells := make([]string, rows)
			for r := 0; r < rows; r++ {
				cells[r] = a.Value(r)
			}
			col = NewStringColumn(name, cells)
		default:
			return fail(fmt.Errorf("%w: column %q has arrow type %s", ErrColumnType, name, arr.DataType()))
		}
		if err != nil {
			return fail(fmt.Errorf("column %q: %w", name, err))
		}
		cols = append(cols, col)
	}

	b, err := NewBatch(cols)
	if err != nil {
		return fail(err)
	}
	return b, nil
}

func deviceColumn(alloc device.Allocator, name string, dtype device.DType, rows int, fill func(*device.Buffer)) (*Column, error) {
	buf, err := alloc.Allocate(rows * dtype.Size())
	if err != nil {
		return nil, err
	}
	fill(buf)
	col, err := NewColumn(name, dtype, buf, rows)
	buf.Release()
	return col, err
}

// Record materializes the batch, including attached label columns, as an
// Arrow record. The caller releases the record.
func (b *Batch) Record(mem memory.Allocator) (arrow.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fields := make([]arrow.Field, len(b.cols))
	arrays := make([]arrow.Array, len(b.cols))
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()

	for i, c := range b.cols {
		switch c.DType() {
		case device.Float32:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.PrimitiveTypes.Float32}
			bld := array.NewFloat32Builder(mem)
			bld.AppendValues(c.Buffer().Float32s()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Float64:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.PrimitiveTypes.Float64}
			bld := array.NewFloat64Builder(mem)
			bld.AppendValues(c.Buffer().Float64s()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Int32:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.PrimitiveTypes.Int32}
			bld := array.NewInt32Builder(mem)
			bld.AppendValues(c.Buffer().Int32s()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Int64:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.PrimitiveTypes.Int64}
			bld := array.NewInt64Builder(mem)
			bld.AppendValues(c.Buffer().Int64s()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Uint32:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.PrimitiveTypes.Uint32}
			bld := array.NewUint32Builder(mem)
			bld.AppendValues(c.Buffer().Uint32s()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Bool:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.FixedWidthTypes.Boolean}
			bld := array.NewBooleanBuilder(mem)
			bld.AppendValues(c.Buffer().Bools()[:b.rows], nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		case device.Utf8:
			fields[i] = arrow.Field{Name: c.Name(), Type: arrow.BinaryTypes.String}
			bld := array.NewStringBuilder(mem)
			bld.AppendValues(c.Cells(), nil)
			arrays[i] = bld.NewArray()
			bld.Release()
		default:
			return nil, fmt.Errorf("%w: column %q is %s", ErrColumnType, c.Name(), c.DType())
		}
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(b.rows))
	return rec, nil
}
