package table

import (
	"errors"
	"regexp"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/device"
)

func TestRepairColumn_WholeColumn(t *testing.T) {
	alloc := device.NewHostAllocator()
	batch, err := NewBatch([]*Column{
		NewStringColumn("id", []string{"id_1_x", "id_42_x", "id_7"}),
		float32Column(t, "a", []float32{0, 0, 0}),
	})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	// A view over a narrow window; the repair still converts every row.
	if _, err := NewView(batch, []string{"id"}, 1, 1); err != nil {
		t.Fatalf("NewView: %v", err)
	}
	if err := RepairColumn(alloc, batch, "id", DefaultRepairPolicy()); err != nil {
		t.Fatalf("RepairColumn: %v", err)
	}

	col, _ := batch.Column("id")
	if col.DType() != device.Float32 {
		t.Fatalf("repaired dtype = %s, want float32", col.DType())
	}
	want := []float32{1, 42, 7}
	for r, w := range want {
		if got := col.Buffer().Float32s()[r]; got != w {
			t.Errorf("row %d = %v, want %v", r, got, w)
		}
	}
}

func TestRepairColumn_AlreadyNumericIsNoOp(t *testing.T) {
	alloc := device.NewHostAllocator()
	batch, err := NewBatch([]*Column{float32Column(t, "a", []float32{5})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	// A concurrent message may have repaired the column already; the second
	// call must leave it untouched.
	if err := RepairColumn(alloc, batch, "a", DefaultRepairPolicy()); err != nil {
		t.Fatalf("RepairColumn on numeric column: %v", err)
	}
	col, _ := batch.Column("a")
	if got := col.Buffer().Float32s()[0]; got != 5 {
		t.Errorf("value = %v, want 5 untouched", got)
	}
}

func TestRepairColumn_MissPolicies(t *testing.T) {
	alloc := device.NewHostAllocator()

	t.Run("error by default", func(t *testing.T) {
		batch, err := NewBatch([]*Column{NewStringColumn("id", []string{"id_1", "nodigits"})})
		if err != nil {
			t.Fatalf("NewBatch: %v", err)
		}
		defer batch.Release()

		err = RepairColumn(alloc, batch, "id", DefaultRepairPolicy())
		var re *RepairError
		if !errors.As(err, &re) {
			t.Fatalf("err = %v, want *RepairError", err)
		}
		if re.Row != 1 || re.Column != "id" || re.Value != "nodigits" {
			t.Errorf("RepairError = %+v, want row 1 of id (%q)", re, "nodigits")
		}
		// The column must be left untouched on failure.
		col, _ := batch.Column("id")
		if col.DType() != device.Utf8 {
			t.Errorf("dtype after failed repair = %s, want utf8", col.DType())
		}
	})

	t.Run("zero fill", func(t *testing.T) {
		batch, err := NewBatch([]*Column{NewStringColumn("id", []string{"id_9", "nodigits"})})
		if err != nil {
			t.Fatalf("NewBatch: %v", err)
		}
		defer batch.Release()

		policy := DefaultRepairPolicy()
		policy.OnMiss = MissZero
		if err := RepairColumn(alloc, batch, "id", policy); err != nil {
			t.Fatalf("RepairColumn: %v", err)
		}
		col, _ := batch.Column("id")
		if got := col.Buffer().Float32s()[0]; got != 9 {
			t.Errorf("row 0 = %v, want 9", got)
		}
		if got := col.Buffer().Float32s()[1]; got != 0 {
			t.Errorf("row 1 = %v, want 0", got)
		}
	})
}

func TestRepairColumn_NFKCNormalization(t *testing.T) {
	alloc := device.NewHostAllocator()
	// Full-width digits normalize to ASCII under NFKC.
	batch, err := NewBatch([]*Column{NewStringColumn("id", []string{"id_１２３_x"})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	if err := RepairColumn(alloc, batch, "id", DefaultRepairPolicy()); err != nil {
		t.Fatalf("RepairColumn: %v", err)
	}
	col, _ := batch.Column("id")
	if got := col.Buffer().Float32s()[0]; got != 123 {
		t.Errorf("normalized value = %v, want 123", got)
	}
}

func TestRepairColumn_CustomPattern(t *testing.T) {
	alloc := device.NewHostAllocator()
	batch, err := NewBatch([]*Column{NewStringColumn("v", []string{"score=0.25", "score=1.5"})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	policy := DefaultRepairPolicy()
	policy.Pattern = regexp.MustCompile(`score=(\d+(?:\.\d+)?)`)
	if err := RepairColumn(alloc, batch, "v", policy); err != nil {
		t.Fatalf("RepairColumn: %v", err)
	}
	col, _ := batch.Column("v")
	if got := col.Buffer().Float32s()[0]; got != 0.25 {
		t.Errorf("row 0 = %v, want 0.25", got)
	}
	if got := col.Buffer().Float32s()[1]; got != 1.5 {
		t.Errorf("row 1 = %v, want 1.5", got)
	}
}

func TestRepairColumn_ParseCache(t *testing.T) {
	alloc := device.NewHostAllocator()
	policy := DefaultRepairPolicy()
	policy.Cache = cache.NewMapCache()

	batch, err := NewBatch([]*Column{NewStringColumn("id", []string{"id_8", "id_8", "id_3"})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	if err := RepairColumn(alloc, batch, "id", policy); err != nil {
		t.Fatalf("RepairColumn: %v", err)
	}
	col, _ := batch.Column("id")
	want := []float32{8, 8, 3}
	for r, w := range want {
		if got := col.Buffer().Float32s()[r]; got != w {
			t.Errorf("row %d = %v, want %v", r, got, w)
		}
	}
	// Two distinct cells, one repeat.
	if got := policy.Cache.Size(); got != 2 {
		t.Errorf("cache size = %d, want 2", got)
	}

	// A second column with the same cells parses entirely from the memo.
	batch2, err := NewBatch([]*Column{NewStringColumn("id", []string{"id_3", "id_8"})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch2.Release()

	if err := RepairColumn(alloc, batch2, "id", policy); err != nil {
		t.Fatalf("RepairColumn: %v", err)
	}
	col2, _ := batch2.Column("id")
	if got := col2.Buffer().Float32s()[0]; got != 3 {
		t.Errorf("cached row 0 = %v, want 3", got)
	}
	if got := policy.Cache.Size(); got != 2 {
		t.Errorf("cache size after reuse = %d, want 2", got)
	}
}

func TestRepairColumn_MissingColumn(t *testing.T) {
	alloc := device.NewHostAllocator()
	batch, err := NewBatch([]*Column{float32Column(t, "a", []float32{1})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	if err := RepairColumn(alloc, batch, "nope", DefaultRepairPolicy()); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("err = %v, want ErrMissingColumn", err)
	}
	if err := RepairColumn(alloc, batch, "a", RepairPolicy{}); err == nil {
		t.Error("nil pattern did not fail")
	}
}
