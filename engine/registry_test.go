package engine

import (
	iface "FoodDetServer/interface"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	destroyed atomic.Bool
}

func (m *MockBackend) Detect(image []byte, conf float64) ([]iface.Detection, error) {
	return []iface.Detection{{Confidence: 0.99, ClassName: "mock"}}, nil
}

func (m *MockBackend) Destroy() { m.destroyed.Store(true) }

func modelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "best.onnx")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	return path
}

func TestRegistry_UnknownModel(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get(context.Background(), "model9")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.False(t, r.Known("model9"))
}

func TestRegistry_ArtifactMissing(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: "/nonexistent/best.onnx", Type: FamilyYOLOv5}})
	var calls int32
	r.RegisterLoader(FamilyYOLOv5, func(spec ModelSpec, names []string) (iface.Backend, error) {
		atomic.AddInt32(&calls, 1)
		return &MockBackend{}, nil
	})

	_, err := r.Get(context.Background(), "model1")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestRegistry_CachesHandle(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: modelFile(t), Type: FamilyYOLOv5, Names: NamesConf{Data: []string{"apple"}}}})
	var calls int32
	var gotNames []string
	r.RegisterLoader(FamilyYOLOv5, func(spec ModelSpec, names []string) (iface.Backend, error) {
		atomic.AddInt32(&calls, 1)
		gotNames = names
		return &MockBackend{}, nil
	})

	h1, err := r.Get(context.Background(), "model1")
	require.NoError(t, err)
	h2, err := r.Get(context.Background(), "model1")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, FamilyYOLOv5, h1.Family)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"apple"}, gotNames)
}

func TestRegistry_ConcurrentFirstLoad(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: modelFile(t), Type: FamilyYOLOv8}})
	var calls int32
	r.RegisterLoader(FamilyYOLOv8, func(spec ModelSpec, names []string) (iface.Backend, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return &MockBackend{}, nil
	})

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Get(context.Background(), "model1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestRegistry_FailedLoadIsRetried(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: modelFile(t), Type: FamilyYOLOv5}})
	var calls int32
	r.RegisterLoader(FamilyYOLOv5, func(spec ModelSpec, names []string) (iface.Backend, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("corrupt weights")
		}
		return &MockBackend{}, nil
	})

	_, err := r.Get(context.Background(), "model1")
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorContains(t, err, "corrupt weights")

	h, err := r.Get(context.Background(), "model1")
	require.NoError(t, err)
	assert.NotNil(t, h.Backend)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRegistry_LoaderPanic(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: modelFile(t), Type: FamilyYOLOv5}})
	r.RegisterLoader(FamilyYOLOv5, func(spec ModelSpec, names []string) (iface.Backend, error) {
		panic("native crash")
	})

	_, err := r.Get(context.Background(), "model1")
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestRegistry_UnsupportedType(t *testing.T) {
	r := NewRegistry([]ModelSpec{{Name: "model1", Path: modelFile(t), Type: "SSD"}})
	_, err := r.Get(context.Background(), "model1")
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorContains(t, err, "unsupported model type")
}

func TestRegistry_StatusAndClose(t *testing.T) {
	path := modelFile(t)
	r := NewRegistry([]ModelSpec{
		{Name: "model1", Path: path, Type: FamilyYOLOv5},
		{Name: "model2", Path: "/nonexistent/best-2.onnx", Type: FamilyYOLOv8},
	})
	backend := &MockBackend{}
	r.RegisterLoader(FamilyYOLOv5, func(spec ModelSpec, names []string) (iface.Backend, error) {
		return backend, nil
	})
	_, err := r.Get(context.Background(), "model1")
	require.NoError(t, err)

	status := r.Status()
	require.Len(t, status, 2)
	assert.Equal(t, iface.ModelStatus{Name: "model1", Path: path, Exists: true, Loaded: true, Type: FamilyYOLOv5}, status[0])
	assert.Equal(t, iface.ModelStatus{Name: "model2", Path: "/nonexistent/best-2.onnx", Exists: false, Loaded: false, Type: FamilyYOLOv8}, status[1])
	assert.Equal(t, []string{"model1", "model2"}, r.Names())

	r.Close()
	assert.True(t, backend.destroyed.Load())
	assert.False(t, r.Status()[0].Loaded)
}
