// Package onnx runs YOLOv5 exports on ONNX Runtime. The network returns every candidate
// above a small floor; the user threshold is applied afterwards by engine.PostFilterDetector.
package onnx

import (
	"FoodDetServer/engine"
	iface "FoodDetServer/interface"
	"bytes"
	"fmt"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultInputSize = 640
	DefaultIou       = 0.45
	inputName        = "images"
	outputName       = "output0"
)

var (
	envMu     sync.Mutex
	envInited bool
)

// InitEnvironment loads the onnxruntime shared library once per process.
func InitEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envInited {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	envInited = true
	return nil
}

func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !envInited {
		return nil
	}
	envInited = false
	return ort.DestroyEnvironment()
}

// rowsFor 三个检测头 (stride 8/16/32) 每格 3 个 anchor
func rowsFor(size int) int {
	g8, g16, g32 := size/8, size/16, size/32
	return 3 * (g8*g8 + g16*g16 + g32*g32)
}

type predictor struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	input      *ort.Tensor[float32]
	output     *ort.Tensor[float32]
	inputSize  int
	numClasses int
	rows       int
	iou        float32
}

// Loader builds a YOLOv5 backend. It satisfies engine.Loader.
func Loader(spec engine.ModelSpec, names []string) (iface.Backend, error) {
	p, err := newPredictor(spec, len(names))
	if err != nil {
		return nil, err
	}
	return engine.NewPostFilterDetector(p, names), nil
}

func newPredictor(spec engine.ModelSpec, numClasses int) (*predictor, error) {
	if numClasses == 0 {
		return nil, fmt.Errorf("model %s has an empty label table", spec.Name)
	}
	size := spec.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}
	iouThreshold := spec.Iou
	if iouThreshold <= 0 {
		iouThreshold = DefaultIou
	}
	rows := rowsFor(size)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())
	if spec.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(rows), int64(5+numClasses)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		spec.Path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return &predictor{
		session:    session,
		input:      input,
		output:     output,
		inputSize:  size,
		numClasses: numClasses,
		rows:       rows,
		iou:        iouThreshold,
	}, nil
}

func (p *predictor) Predict(image []byte) (engine.Output, error) {
	img, err := imaging.Decode(bytes.NewReader(image), imaging.AutoOrientation(true))
	if err != nil {
		return engine.Output{}, fmt.Errorf("decode image: %w", err)
	}
	origW := float32(img.Bounds().Dx())
	origH := float32(img.Bounds().Dy())
	resized := imaging.Resize(img, p.inputSize, p.inputSize, imaging.Linear)

	// 输入 tensor 与 session 绑定，同一时间只能有一个推理
	p.mu.Lock()
	defer p.mu.Unlock()
	fillCHW(p.input.GetData(), resized.Pix, p.inputSize)
	if err := p.session.Run(); err != nil {
		return engine.Output{}, fmt.Errorf("model inference: %w", err)
	}
	size := float32(p.inputSize)
	cands := decodeRows(p.output.GetData(), p.rows, p.numClasses, origW/size, origH/size, origW, origH)
	return nms(cands, p.iou), nil
}

// fillCHW NRGBA 像素 -> 归一化的 CHW 平面
func fillCHW(dst []float32, pix []uint8, size int) {
	channelSize := size * size
	for i := 0; i < channelSize; i++ {
		dst[i] = float32(pix[i*4]) / 255.0
		dst[channelSize+i] = float32(pix[i*4+1]) / 255.0
		dst[channelSize*2+i] = float32(pix[i*4+2]) / 255.0
	}
}

func (p *predictor) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Destroy()
		p.session = nil
	}
	if p.input != nil {
		p.input.Destroy()
		p.input = nil
	}
	if p.output != nil {
		p.output.Destroy()
		p.output = nil
	}
}
