package engine

import (
	iface "FoodDetServer/interface"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicBackend struct{}

func (panicBackend) Detect(image []byte, conf float64) ([]iface.Detection, error) {
	panic("segfault in native code")
}

func (panicBackend) Destroy() {}

type slowBackend struct{ delay time.Duration }

func (s slowBackend) Detect(image []byte, conf float64) ([]iface.Detection, error) {
	time.Sleep(s.delay)
	return nil, nil
}

func (slowBackend) Destroy() {}

func TestDispatcher_Detect(t *testing.T) {
	d := NewDispatcher(2)
	defer d.Close()

	dets, err := d.Detect(context.Background(), &MockBackend{}, []byte("img"), 0.5)
	require.NoError(t, err)
	if assert.Len(t, dets, 1) {
		assert.Equal(t, "mock", dets[0].ClassName)
	}
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	_, err := d.Detect(context.Background(), panicBackend{}, nil, 0.5)
	assert.ErrorContains(t, err, "detector panic")

	// worker 仍然可用
	dets, err := d.Detect(context.Background(), &MockBackend{}, nil, 0.5)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
}

func TestDispatcher_ContextCancelled(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Detect(ctx, slowBackend{delay: 200 * time.Millisecond}, nil, 0.5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_Closed(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()

	_, err := d.Detect(context.Background(), &MockBackend{}, nil, 0.5)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
