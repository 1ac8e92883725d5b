package engine

import (
	iface "FoodDetServer/interface"
	"fmt"
)

// Output 推理原始输出，布局与原生 Detect 一致：每个目标 4 个坐标 (x1,y1,x2,y2)、一个分数、一个类别
type Output struct {
	Boxes   []float32
	Scores  []float32
	Classes []int32
}

func (o Output) Len() int {
	return len(o.Scores)
}

func (o Output) check() error {
	n := len(o.Scores)
	if len(o.Boxes) != n*4 || len(o.Classes) != n {
		return fmt.Errorf("malformed output: %d boxes, %d scores, %d classes", len(o.Boxes), n, len(o.Classes))
	}
	return nil
}

// Predictor runs a model whose inference call takes no threshold.
type Predictor interface {
	Predict(image []byte) (Output, error)
	Destroy()
}

// ThresholdPredictor runs a model that filters by confidence itself.
type ThresholdPredictor interface {
	Predict(image []byte, conf float32) (Output, error)
	Destroy()
}

// PostFilterDetector wraps a Predictor and drops predictions below the threshold after inference.
type PostFilterDetector struct {
	predictor Predictor
	names     []string
}

func NewPostFilterDetector(p Predictor, names []string) *PostFilterDetector {
	return &PostFilterDetector{predictor: p, names: names}
}

// Detect 阈值比较在 float64 下进行，与上报的 confidence 精度一致
func (d *PostFilterDetector) Detect(image []byte, conf float64) ([]iface.Detection, error) {
	out, err := d.predictor.Predict(image)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return toDetections(out, d.names, func(score float32) bool { return float64(score) >= conf })
}

func (d *PostFilterDetector) Destroy() {
	d.predictor.Destroy()
}

// DelegatedDetector passes the threshold into the model call and keeps everything it returns.
type DelegatedDetector struct {
	predictor ThresholdPredictor
	names     []string
}

func NewDelegatedDetector(p ThresholdPredictor, names []string) *DelegatedDetector {
	return &DelegatedDetector{predictor: p, names: names}
}

func (d *DelegatedDetector) Detect(image []byte, conf float64) ([]iface.Detection, error) {
	out, err := d.predictor.Predict(image, float32(conf))
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return toDetections(out, d.names, nil)
}

func (d *DelegatedDetector) Destroy() {
	d.predictor.Destroy()
}

// toDetections 保持模型原始输出顺序，不重新排序
func toDetections(out Output, names []string, keep func(float32) bool) ([]iface.Detection, error) {
	if err := out.check(); err != nil {
		return nil, err
	}
	dets := make([]iface.Detection, 0, out.Len())
	for i := 0; i < out.Len(); i++ {
		score := out.Scores[i]
		if keep != nil && !keep(score) {
			continue
		}
		classIdx := int(out.Classes[i])
		dets = append(dets, iface.Detection{
			Box: [4]float64{
				float64(out.Boxes[i*4]),
				float64(out.Boxes[i*4+1]),
				float64(out.Boxes[i*4+2]),
				float64(out.Boxes[i*4+3]),
			},
			Confidence: float64(score),
			ClassID:    classIdx,
			ClassName:  labelFor(names, classIdx),
		})
	}
	return dets, nil
}
