package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/table"
)

type fakeNode struct {
	name string
	fn   func(ctx context.Context, m *Message) (*Message, error)
}

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) Process(ctx context.Context, m *Message) (*Message, error) {
	return f.fn(ctx, m)
}

func passthrough(name string) *fakeNode {
	return &fakeNode{name: name, fn: func(_ context.Context, m *Message) (*Message, error) {
		return m, nil
	}}
}

func testBatch(t *testing.T, rows int) *table.Batch {
	t.Helper()
	buf, err := device.NewHostAllocator().Allocate(rows * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	col, err := table.NewColumn("a", device.Float32, buf, rows)
	buf.Release()
	if err != nil {
		t.Fatalf("NewColumn: %v", err)
	}
	batch, err := table.NewBatch([]*table.Column{col})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return batch
}

func memoryWithTensor(t *testing.T, count int) *inference.Memory {
	t.Helper()
	buf, err := device.NewHostAllocator().Allocate(count * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	mem := inference.NewMemory(count)
	tensor := device.NewTensor(buf, device.Float32, []int{count})
	buf.Release()
	mem.SetTensor(inference.TensorInput, tensor)
	return mem
}

func TestPipeline_OrderPreserved(t *testing.T) {
	batch := testBatch(t, 100)
	defer batch.Release()

	in := make(chan *Message, 10)
	for i := 0; i < 10; i++ {
		in <- &Message{Batch: batch, Offset: i * 10, Count: 10}
	}
	close(in)

	p := New(passthrough("first"), passthrough("second"), passthrough("third"))
	out, wait := p.Run(context.Background(), in)

	var offsets []int
	for m := range out {
		offsets = append(offsets, m.Offset)
	}
	if err := wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(offsets) != 10 {
		t.Fatalf("got %d messages, want 10", len(offsets))
	}
	for i, off := range offsets {
		if off != i*10 {
			t.Errorf("message %d has offset %d, want %d", i, off, i*10)
		}
	}
}

func TestPipeline_ErrorTearsDown(t *testing.T) {
	batch := testBatch(t, 30)
	defer batch.Release()

	boom := errors.New("boom")
	failing := &fakeNode{name: "failing", fn: func(_ context.Context, m *Message) (*Message, error) {
		if m.Offset == 10 {
			return nil, boom
		}
		return m, nil
	}}

	m0 := &Message{Batch: batch, Offset: 0, Count: 10}
	m1 := &Message{Batch: batch, Offset: 10, Count: 10, Memory: memoryWithTensor(t, 10)}
	m2 := &Message{Batch: batch, Offset: 20, Count: 10}

	in := make(chan *Message, 3)
	in <- m0
	in <- m1
	in <- m2
	close(in)

	p := New(passthrough("first"), failing)
	out, wait := p.Run(context.Background(), in)

	var got []*Message
	for m := range out {
		got = append(got, m)
	}
	err := wait()
	if !errors.Is(err, boom) {
		t.Fatalf("wait() = %v, want boom", err)
	}
	// The failed message is never forwarded.
	for _, m := range got {
		if m.Offset == 10 {
			t.Error("failed message leaked downstream")
		}
	}
	// Its attached tensors were released by the runner.
	if m1.Memory != nil {
		t.Error("failed message's memory not released")
	}
}

func TestPipeline_CancellationReleasesInFlight(t *testing.T) {
	batch := testBatch(t, 10)
	defer batch.Release()

	started := make(chan struct{})
	blocking := &fakeNode{name: "blocking", fn: func(ctx context.Context, m *Message) (*Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	m := &Message{Batch: batch, Offset: 0, Count: 10, Memory: memoryWithTensor(t, 10)}
	in := make(chan *Message, 1)
	in <- m
	close(in)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(blocking)
	out, wait := p.Run(ctx, in)

	<-started
	cancel()
	for range out {
	}
	if err := wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait() = %v, want context.Canceled", err)
	}
	if m.Memory != nil {
		t.Error("canceled message's memory not released")
	}
}

func TestEach(t *testing.T) {
	batch := testBatch(t, 5)
	defer batch.Release()

	calls := 0
	counting := &fakeNode{name: "counting", fn: func(_ context.Context, m *Message) (*Message, error) {
		calls++
		return m, nil
	}}

	m := &Message{Batch: batch, Offset: 0, Count: 5}
	out, err := Each(context.Background(), m, counting, counting)
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if out != m || calls != 2 {
		t.Errorf("out=%p calls=%d, want same message through 2 calls", out, calls)
	}

	failed := &Message{Batch: batch, Offset: 0, Count: 5, Memory: memoryWithTensor(t, 5)}
	failing := &fakeNode{name: "failing", fn: func(_ context.Context, m *Message) (*Message, error) {
		return nil, fmt.Errorf("no")
	}}
	if _, err := Each(context.Background(), failed, failing); err == nil {
		t.Fatal("Each did not propagate the node error")
	}
	if failed.Memory != nil {
		t.Error("Each did not release the message on error")
	}
}

func TestTrigger_FlushOnComplete(t *testing.T) {
	batch := testBatch(t, 30)
	defer batch.Release()

	in := make(chan *Message, 3)
	out := Trigger(context.Background(), in)

	for i := 0; i < 3; i++ {
		in <- &Message{Batch: batch, Offset: i * 10, Count: 10}
	}

	// Nothing may be emitted before upstream completes.
	time.Sleep(20 * time.Millisecond)
	select {
	case m := <-out:
		t.Fatalf("trigger emitted offset %d before completion", m.Offset)
	default:
	}

	close(in)
	var offsets []int
	for m := range out {
		offsets = append(offsets, m.Offset)
	}
	if len(offsets) != 3 || offsets[0] != 0 || offsets[1] != 10 || offsets[2] != 20 {
		t.Errorf("flushed offsets = %v, want [0 10 20]", offsets)
	}
}

func TestTrigger_CancelReleasesHeld(t *testing.T) {
	batch := testBatch(t, 10)
	defer batch.Release()

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *Message, 1)
	out := Trigger(ctx, in)

	m := &Message{Batch: batch, Offset: 0, Count: 10, Memory: memoryWithTensor(t, 10)}
	in <- m

	time.Sleep(10 * time.Millisecond)
	cancel()
	for range out {
	}
	if m.Memory != nil {
		t.Error("held message's memory not released on cancel")
	}
}
