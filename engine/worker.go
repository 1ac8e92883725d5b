package engine

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("inference dispatcher closed")

type jobPackage struct {
	backend iface.Backend
	image   []byte
	conf    float64
	result  chan jobResult
}

type jobResult struct {
	detections []iface.Detection
	err        error
}

// Dispatcher 固定数量的推理 worker，每个 worker 绑定 OS 线程，限制并发的原生推理调用
type Dispatcher struct {
	jobs      chan jobPackage
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	restartIn time.Duration
}

func NewDispatcher(workerNum int) *Dispatcher {
	if workerNum <= 0 {
		workerNum = 1
	}
	d := &Dispatcher{
		jobs:      make(chan jobPackage, workerNum),
		closed:    make(chan struct{}),
		restartIn: time.Second,
	}
	for i := 0; i < workerNum; i++ {
		d.wg.Add(1)
		go d.runWorker(i)
	}
	return d
}

func (d *Dispatcher) runWorker(workerID int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("Worker panic, restarting", zap.Int("worker", workerID), zap.Any("panic", r))
			time.Sleep(d.restartIn)
			go d.runWorker(workerID)
			return
		}
		d.wg.Done()
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("Worker created", zap.Int("worker", workerID))
	for {
		select {
		case <-d.closed:
			return
		case job := <-d.jobs:
			job.result <- runJob(job)
		}
	}
}

// runJob 单个任务内的 panic 转为错误返回给调用方，避免调用方永久等待
func runJob(job jobPackage) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{err: fmt.Errorf("detector panic: %v", r)}
		}
	}()
	dets, err := job.backend.Detect(job.image, job.conf)
	return jobResult{detections: dets, err: err}
}

// Detect queues one inference on the worker pool and waits for its result.
func (d *Dispatcher) Detect(ctx context.Context, backend iface.Backend, image []byte, conf float64) ([]iface.Detection, error) {
	job := jobPackage{
		backend: backend,
		image:   image,
		conf:    conf,
		result:  make(chan jobResult, 1),
	}
	select {
	case <-d.closed:
		return nil, ErrDispatcherClosed
	default:
	}
	select {
	case d.jobs <- job:
	case <-d.closed:
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.detections, res.err
	case <-d.closed:
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
}
