// Package opencv runs YOLOv8 exports through the OpenCV DNN module. The confidence
// threshold is handed to the network's own filtering and NMS step.
package opencv

import (
	"FoodDetServer/engine"
	iface "FoodDetServer/interface"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

const (
	DefaultInputSize = 640
	DefaultIou       = 0.5
)

type predictor struct {
	mu         sync.Mutex
	net        gocv.Net
	inputSize  int
	numClasses int
	iou        float32
}

// Loader builds a YOLOv8 backend. It satisfies engine.Loader.
func Loader(spec engine.ModelSpec, names []string) (iface.Backend, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("model %s has an empty label table", spec.Name)
	}
	net := gocv.ReadNetFromONNX(spec.Path)
	if net.Empty() {
		return nil, fmt.Errorf("opencv could not read %s", spec.Path)
	}
	if spec.UseGPU {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			_ = net.Close()
			return nil, fmt.Errorf("error enabling CUDA backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			_ = net.Close()
			return nil, fmt.Errorf("error enabling CUDA target: %w", err)
		}
	}
	p := &predictor{
		net:        net,
		inputSize:  spec.InputSize,
		numClasses: len(names),
		iou:        spec.Iou,
	}
	if p.inputSize <= 0 {
		p.inputSize = DefaultInputSize
	}
	if p.iou <= 0 {
		p.iou = DefaultIou
	}
	return engine.NewDelegatedDetector(p, names), nil
}

func (p *predictor) Predict(img []byte, conf float32) (engine.Output, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return engine.Output{}, fmt.Errorf("decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return engine.Output{}, errors.New("decoded image is empty or unsupported format")
	}
	size := image.Pt(p.inputSize, p.inputSize)
	blob := gocv.BlobFromImage(mat, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	// gocv.Net 非线程安全
	p.mu.Lock()
	p.net.SetInput(blob, "")
	out := p.net.Forward("")
	p.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] != 4+p.numClasses {
		return engine.Output{}, fmt.Errorf("unexpected output shape %v for %d classes", dims, p.numClasses)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return engine.Output{}, fmt.Errorf("read output: %w", err)
	}
	scaleX := float32(mat.Cols()) / float32(p.inputSize)
	scaleY := float32(mat.Rows()) / float32(p.inputSize)
	props := decodeTransposed(data, p.numClasses, dims[2], conf, scaleX, scaleY)
	if len(props) == 0 {
		return engine.Output{}, nil
	}

	rects := make([]image.Rectangle, len(props))
	scores := make([]float32, len(props))
	for i, pr := range props {
		rects[i] = pr.rect
		scores[i] = pr.score
	}
	var res engine.Output
	for _, idx := range gocv.NMSBoxes(rects, scores, conf, p.iou) {
		pr := props[idx]
		res.Boxes = append(res.Boxes,
			float32(pr.rect.Min.X), float32(pr.rect.Min.Y),
			float32(pr.rect.Max.X), float32(pr.rect.Max.Y))
		res.Scores = append(res.Scores, pr.score)
		res.Classes = append(res.Classes, pr.class)
	}
	return res, nil
}

func (p *predictor) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.net.Close()
}
