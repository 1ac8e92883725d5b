package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// 模型家族，由配置中的 type 声明，加载时选择对应的检测器实现
const (
	FamilyYOLOv5 = "YOLOv5"
	FamilyYOLOv8 = "YOLOv8"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrModelNotFound = errors.New("model artifact not found")
	ErrModelLoad     = errors.New("model load failed")
)

// NamesConf 类别名表，Data 为内联列表，File 非空时从文件逐行读取
type NamesConf struct {
	File string
	Data []string
}

// Resolve returns the label table, reading File when set.
func (n NamesConf) Resolve() ([]string, error) {
	if n.File == "" {
		return append([]string(nil), n.Data...), nil
	}
	return ReadLinesReadFile(n.File)
}

// ModelSpec is the static description of one configured model.
type ModelSpec struct {
	Name      string
	Path      string
	Type      string
	Names     NamesConf
	InputSize int
	Iou       float32
	UseGPU    bool
}

func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func labelFor(names []string, classIdx int) string {
	if classIdx >= 0 && classIdx < len(names) {
		return names[classIdx]
	}
	return fmt.Sprintf("class_%d", classIdx)
}
