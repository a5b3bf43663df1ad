package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/inference"
	"github.com/23skdu/longbow-quiver/internal/stage"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, record arrow.RecordBatch) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return nil
}

// stubRunner echoes the feature values back as probabilities so label
// outcomes follow directly from the request.
type stubRunner struct{}

func (stubRunner) Infer(_ context.Context, mem *inference.Memory) (*device.Tensor, error) {
	in, err := mem.Tensor(inference.TensorInput)
	if err != nil {
		return nil, err
	}
	rows, feats := mem.Count, in.Shape()[1]
	buf, err := device.NewHostAllocator().Allocate(rows * feats * device.Float32.Size())
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	dst := buf.Float32s()
	for r := 0; r < rows; r++ {
		for c := 0; c < feats; c++ {
			dst[r*feats+c] = float32(in.At(r, c))
		}
	}
	return device.NewTensor(buf, device.Float32, []int{rows, feats}), nil
}

func newTestServer(t *testing.T, pub Publisher) *Server {
	t.Helper()
	alloc := device.NewHostAllocator()

	pre, err := stage.NewPreprocessor(alloc, []string{"a", "b"})
	assert.NoError(t, err)

	labels := orderedmap.New[int, string]()
	labels.Set(0, "malicious")
	labels.Set(1, "benign")
	cls, err := stage.NewClassifier(alloc, 0.5, 2, labels)
	assert.NoError(t, err)

	return NewServer(alloc, pre, stage.NewInfer(stubRunner{}), cls, pub, 64)
}

func postInfer(srv *Server, req *inferRequest) *httptest.ResponseRecorder {
	data, _ := cbor.Marshal(req)
	r, _ := http.NewRequest("POST", "/infer", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	http.HandlerFunc(srv.handleInfer).ServeHTTP(rr, r)
	return rr
}

func TestServer_Full(t *testing.T) {
	mp := &mockPublisher{}
	srv := newTestServer(t, mp)

	t.Run("HandleInfer with Forwarding", func(t *testing.T) {
		mp.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

		rr := postInfer(srv, &inferRequest{Columns: map[string][]float64{
			"a": {0.2, 0.9},
			"b": {0.9, 0.1},
		}})
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp inferResponse
		assert.NoError(t, cbor.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, 2, resp.Rows)
		assert.Equal(t, []bool{false, true}, resp.Labels["malicious"])
		assert.Equal(t, []bool{true, false}, resp.Labels["benign"])
		mp.AssertExpectations(t)
	})

	t.Run("Publish Failure Keeps Response", func(t *testing.T) {
		mp.On("Publish", mock.Anything, mock.Anything).Return(errors.New("downstream away")).Once()

		rr := postInfer(srv, &inferRequest{Columns: map[string][]float64{
			"a": {0.7},
			"b": {0.3},
		}})
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp inferResponse
		assert.NoError(t, cbor.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, []bool{true}, resp.Labels["malicious"])
		mp.AssertExpectations(t)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_InferValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	t.Run("Rejects Wrong Method", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/infer", nil)
		rr := httptest.NewRecorder()
		srv.handleInfer(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Rejects Bad CBOR", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/infer", bytes.NewReader([]byte("not cbor")))
		rr := httptest.NewRecorder()
		srv.handleInfer(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Rejects Ragged Columns", func(t *testing.T) {
		rr := postInfer(srv, &inferRequest{Columns: map[string][]float64{
			"a": {0.1, 0.2},
			"b": {0.3},
		}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Rejects Missing Feature", func(t *testing.T) {
		rr := postInfer(srv, &inferRequest{Columns: map[string][]float64{
			"a": {0.1, 0.2},
		}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "b")
	})

	t.Run("Rejects Oversized Batch", func(t *testing.T) {
		rr := postInfer(srv, &inferRequest{Columns: map[string][]float64{
			"a": make([]float64, 65),
			"b": make([]float64, 65),
		}})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("Empty Request", func(t *testing.T) {
		rr := postInfer(srv, &inferRequest{})
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp inferResponse
		assert.NoError(t, cbor.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, 0, resp.Rows)
	})
}

func TestServer_InferRepairsStrings(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := postInfer(srv, &inferRequest{
		Columns: map[string][]float64{"a": {0.9, 0.2}},
		Strings: map[string][]string{"b": {"id_1_x", "id_0_x"}},
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp inferResponse
	assert.NoError(t, cbor.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, []bool{true, false}, resp.Labels["malicious"])
	assert.Equal(t, []bool{true, false}, resp.Labels["benign"])
}

func featureRecord(t *testing.T, mem memory.Allocator, a, b []float64) arrow.RecordBatch {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Float64},
		{Name: "b", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	ab := array.NewFloat64Builder(mem)
	defer ab.Release()
	ab.AppendValues(a, nil)

	bb := array.NewFloat64Builder(mem)
	defer bb.Release()
	bb.AppendValues(b, nil)

	cols := []arrow.Array{ab.NewArray(), bb.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(schema, cols, int64(len(a)))
}

func TestServer_InferArrow(t *testing.T) {
	srv := newTestServer(t, nil)
	mem := memory.NewGoAllocator()

	rec := featureRecord(t, mem, []float64{0.2, 0.9}, []float64{0.9, 0.1})
	defer rec.Release()

	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	assert.NoError(t, w.Write(rec))
	assert.NoError(t, w.Close())

	req, _ := http.NewRequest("POST", "/infer/arrow", &body)
	rr := httptest.NewRecorder()
	http.HandlerFunc(srv.handleInferArrow).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	reader, err := ipc.NewReader(rr.Body, ipc.WithAllocator(mem))
	assert.NoError(t, err)
	defer reader.Release()

	assert.True(t, reader.Next())
	out := reader.Record()
	assert.Equal(t, int64(2), out.NumRows())

	fields := out.Schema().Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"a", "b", "malicious", "benign"}, names)

	malicious := out.Column(2).(*array.Boolean)
	benign := out.Column(3).(*array.Boolean)
	assert.Equal(t, []bool{false, true}, []bool{malicious.Value(0), malicious.Value(1)})
	assert.Equal(t, []bool{true, false}, []bool{benign.Value(0), benign.Value(1)})

	assert.False(t, reader.Next())
	assert.NoError(t, reader.Err())
}

func TestServer_InferArrowBadBody(t *testing.T) {
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest("POST", "/infer/arrow", bytes.NewReader([]byte("not an ipc stream")))
	rr := httptest.NewRecorder()
	srv.handleInferArrow(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
