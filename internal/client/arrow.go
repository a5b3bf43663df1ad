package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/table"
)

// RecordBuilder shapes classified batches into egress records.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// Results materializes the batch and projects the named columns in order,
// typically passthrough identifiers followed by the label columns. An empty
// column list returns the full record. The caller releases the record.
func (b *RecordBuilder) Results(batch *table.Batch, columns []string) (arrow.RecordBatch, error) {
	full, err := batch.Record(b.mem)
	if err != nil {
		return nil, err
	}
	defer full.Release()

	if len(columns) == 0 {
		full.Retain()
		return full, nil
	}

	schema := full.Schema()
	fields := make([]arrow.Field, 0, len(columns))
	arrays := make([]arrow.Array, 0, len(columns))
	for _, name := range columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("client: result column %q not in batch", name)
		}
		fields = append(fields, schema.Field(idx[0]))
		arrays = append(arrays, full.Column(idx[0]))
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, full.NumRows()), nil
}
