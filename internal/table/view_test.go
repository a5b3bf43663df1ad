package table

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func TestNewView_Validation(t *testing.T) {
	batch, err := NewBatch([]*Column{
		float32Column(t, "a", []float32{1, 2, 3}),
		NewStringColumn("s", []string{"x", "y", "z"}),
	})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	if _, err := NewView(batch, []string{"a", "missing"}, 0, 3); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("missing column = %v, want ErrMissingColumn", err)
	}
	if _, err := NewView(batch, []string{"a"}, 2, 2); !errors.Is(err, ErrWindow) {
		t.Errorf("window past end = %v, want ErrWindow", err)
	}
	if _, err := NewView(batch, []string{"a"}, 0, 0); !errors.Is(err, ErrWindow) {
		t.Errorf("empty window = %v, want ErrWindow", err)
	}

	v, err := NewView(batch, []string{"s", "a"}, 1, 2)
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	if v.NumRows() != 2 || v.NumColumns() != 2 {
		t.Errorf("view is %dx%d, want 2 rows x 2 cols", v.NumRows(), v.NumColumns())
	}
	if v.DType(0) != device.Utf8 || v.DType(1) != device.Float32 {
		t.Errorf("dtypes = %s, %s; want utf8, float32", v.DType(0), v.DType(1))
	}
	if v.Name(0) != "s" || v.Name(1) != "a" {
		t.Errorf("names = %s, %s; want s, a (selection order)", v.Name(0), v.Name(1))
	}
}

func TestView_WindowAliasesColumn(t *testing.T) {
	batch, err := NewBatch([]*Column{float32Column(t, "a", []float32{10, 20, 30, 40})})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	v, err := NewView(batch, []string{"a"}, 1, 2)
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	win, err := v.Window(0)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	defer win.Release()

	if win.NumElements() != 2 {
		t.Fatalf("window elements = %d, want 2", win.NumElements())
	}
	if got := win.At(0); got != 20 {
		t.Errorf("At(0) = %v, want 20", got)
	}
	if got := win.At(1); got != 30 {
		t.Errorf("At(1) = %v, want 30", got)
	}

	// The window is a view, not a copy.
	col, _ := batch.Column("a")
	col.Buffer().Float32s()[2] = 33
	if got := win.At(1); got != 33 {
		t.Errorf("At(1) after column write = %v, want 33", got)
	}
}

func TestView_Strings(t *testing.T) {
	batch, err := NewBatch([]*Column{
		NewStringColumn("s", []string{"a0", "a1", "a2"}),
		float32Column(t, "n", []float32{0, 1, 2}),
	})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	defer batch.Release()

	v, err := NewView(batch, []string{"s", "n"}, 1, 2)
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}

	cells, err := v.Strings(0)
	if err != nil {
		t.Fatalf("Strings: %v", err)
	}
	if len(cells) != 2 || cells[0] != "a1" || cells[1] != "a2" {
		t.Errorf("Strings(0) = %v, want [a1 a2]", cells)
	}

	if _, err := v.Strings(1); !errors.Is(err, ErrColumnType) {
		t.Errorf("Strings on float32 = %v, want ErrColumnType", err)
	}
	if _, err := v.Window(0); !errors.Is(err, ErrColumnType) {
		t.Errorf("Window on utf8 = %v, want ErrColumnType", err)
	}
}
