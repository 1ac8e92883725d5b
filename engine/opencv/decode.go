package opencv

import "image"

type proposal struct {
	rect  image.Rectangle
	score float32
	class int32
}

// decodeTransposed 解析 YOLOv8 输出 [4+nc, anchors]（按行主序展开），
// 只保留最高类别分数 >= conf 的 anchor，坐标换算回原图像素
func decodeTransposed(data []float32, numClasses, anchors int, conf, scaleX, scaleY float32) []proposal {
	if numClasses <= 0 || anchors <= 0 || len(data) < (4+numClasses)*anchors {
		return nil
	}
	at := func(row, col int) float32 { return data[row*anchors+col] }
	var out []proposal
	for a := 0; a < anchors; a++ {
		best := 0
		bestScore := at(4, a)
		for c := 1; c < numClasses; c++ {
			if s := at(4+c, a); s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < conf {
			continue
		}
		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		x1 := int((cx - w/2) * scaleX)
		y1 := int((cy - h/2) * scaleY)
		out = append(out, proposal{
			rect:  image.Rect(x1, y1, x1+int(w*scaleX), y1+int(h*scaleY)),
			score: bestScore,
			class: int32(best),
		})
	}
	return out
}
