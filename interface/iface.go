package iface

// Detection 单个检测结果，bbox 为原图像素坐标 (x1, y1, x2, y2)
type Detection struct {
	Box        [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
}

// Center returns the midpoint of the bounding box.
func (d Detection) Center() (float64, float64) {
	return (d.Box[0] + d.Box[2]) / 2, (d.Box[1] + d.Box[3]) / 2
}

type NutritionInfo struct {
	Calories           float64 `json:"calories"`
	Protein            float64 `json:"protein"`
	Fat                float64 `json:"fat"`
	Carbs              float64 `json:"carbs"`
	ServingWeightGrams float64 `json:"serving_weight_grams"`
}

// Scale multiplies every field by count. count <= 0 yields the zero value.
func (n NutritionInfo) Scale(count int) NutritionInfo {
	if count <= 0 {
		return NutritionInfo{}
	}
	c := float64(count)
	return NutritionInfo{
		Calories:           n.Calories * c,
		Protein:            n.Protein * c,
		Fat:                n.Fat * c,
		Carbs:              n.Carbs * c,
		ServingWeightGrams: n.ServingWeightGrams * c,
	}
}

type DetectionReport struct {
	Message           string         `json:"message"`
	RequestID         string         `json:"request_id"`
	Model             string         `json:"model"`
	ModelType         string         `json:"model_type"`
	ProductName       string         `json:"product_name"`
	Count             int            `json:"count"`
	NutritionPerItem  *NutritionInfo `json:"nutrition_per_item,omitempty"`
	TotalNutrition    *NutritionInfo `json:"total_nutrition,omitempty"`
	NumDetections     int            `json:"num_detections"`
	Detections        []Detection    `json:"detections"`
	ProcessingTimeSec float64        `json:"processing_time_sec"`
}

// ModelStatus describes one configured model as seen by the registry.
type ModelStatus struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Loaded bool   `json:"loaded"`
	Type   string `json:"type"`
}

// Backend is a loaded detector. Implementations must be safe for concurrent use.
type Backend interface {
	Detect(image []byte, conf float64) ([]Detection, error)
	Destroy()
}
