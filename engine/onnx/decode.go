package onnx

import (
	"FoodDetServer/engine"
	"sort"
)

// 与允许的最小置信度阈值一致，模型只丢弃这之下的候选框
const scoreFloor = 0.01

const maxDetections = 300

type candidate struct {
	box   [4]float32
	score float32
	class int32
}

// decodeRows 解析 YOLOv5 输出 [rows, 5+nc]：cx, cy, w, h, obj, cls...
// 坐标在网络输入尺寸下，通过 scaleX/scaleY 还原到原图并裁剪到图像范围
func decodeRows(data []float32, rows, numClasses int, scaleX, scaleY, maxW, maxH float32) []candidate {
	stride := 5 + numClasses
	if numClasses <= 0 || len(data) < rows*stride {
		return nil
	}
	out := make([]candidate, 0, 64)
	for r := 0; r < rows; r++ {
		row := data[r*stride : (r+1)*stride]
		obj := row[4]
		if obj < scoreFloor {
			continue
		}
		best := 0
		for j := 1; j < numClasses; j++ {
			if row[5+j] > row[5+best] {
				best = j
			}
		}
		score := obj * row[5+best]
		if score < scoreFloor {
			continue
		}
		cx, cy, w, h := row[0], row[1], row[2], row[3]
		out = append(out, candidate{
			box: [4]float32{
				clamp((cx-w/2)*scaleX, maxW),
				clamp((cy-h/2)*scaleY, maxH),
				clamp((cx+w/2)*scaleX, maxW),
				clamp((cy+h/2)*scaleY, maxH),
			},
			score: score,
			class: int32(best),
		})
	}
	return out
}

// nms 按类别做贪心非极大值抑制，结果按分数降序
func nms(cands []candidate, iouThreshold float32) engine.Output {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
	suppressed := make([]bool, len(cands))
	var out engine.Output
	for i := range cands {
		if suppressed[i] {
			continue
		}
		if out.Len() >= maxDetections {
			break
		}
		c := cands[i]
		out.Boxes = append(out.Boxes, c.box[:]...)
		out.Scores = append(out.Scores, c.score)
		out.Classes = append(out.Classes, c.class)
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && cands[j].class == c.class && iou(c.box, cands[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return out
}

func iou(a, b [4]float32) float32 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, hi float32) float32 {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
