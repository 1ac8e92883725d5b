// Package pipeline runs one analysis: detect, name the product, look up nutrition, assemble the report.
package pipeline

import (
	"FoodDetServer/engine"
	"FoodDetServer/identity"
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/monitor"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinConfidence     = 0.01
	MaxConfidence     = 1.0
	DefaultConfidence = 0.1
	DefaultModel      = "model1"

	successMessage = "Analysis completed successfully"
)

type Options struct {
	// 检测数为 0 时不返回营养字段
	SuppressEmptyNutrition bool `yaml:"suppressEmptyNutrition"`
}

type Request struct {
	Image      []byte
	ModelName  string
	Confidence float64
}

// Models is the registry surface the pipeline needs.
// ModelNames reports whether a model name is configured.
type ModelNames interface {
	Known(name string) bool
}

type Models interface {
	ModelNames
	Get(ctx context.Context, name string) (*engine.Handle, error)
}

// Runner executes a detection on a loaded backend.
type Runner interface {
	Detect(ctx context.Context, backend iface.Backend, image []byte, conf float64) ([]iface.Detection, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, image []byte, dets []iface.Detection) string
}

type NutritionResolver interface {
	Resolve(ctx context.Context, name string, count int) (perItem, total iface.NutritionInfo)
}

type Pipeline struct {
	models    Models
	runner    Runner
	identity  IdentityResolver
	nutrition NutritionResolver
	opts      Options
	log       *zap.Logger
}

func New(models Models, runner Runner, ident IdentityResolver, nutrition NutritionResolver, opts Options) *Pipeline {
	return &Pipeline{
		models:    models,
		runner:    runner,
		identity:  ident,
		nutrition: nutrition,
		opts:      opts,
		log:       logger.Named("pipeline"),
	}
}

// Validate checks a request without doing any model work.
func (p *Pipeline) Validate(req Request) error {
	if len(req.Image) == 0 {
		return &ClientInputError{Field: "file", Reason: "image is empty"}
	}
	return ValidateParams(p.models, req.ModelName, req.Confidence)
}

// ValidateParams checks the threshold range and the model name, for callers that have no image yet.
func ValidateParams(models ModelNames, modelName string, conf float64) error {
	if math.IsNaN(conf) || conf < MinConfidence || conf > MaxConfidence {
		return &ClientInputError{
			Field:  "conf_threshold",
			Reason: fmt.Sprintf("must be between %.2f and %.1f, got %v", MinConfidence, MaxConfidence, conf),
		}
	}
	if !models.Known(modelName) {
		return &ClientInputError{Field: "model_name", Reason: fmt.Sprintf("unknown model %q", modelName)}
	}
	return nil
}

// Run validates the request and produces a report. Errors are *ClientInputError or *PipelineError.
func (p *Pipeline) Run(ctx context.Context, req Request) (*iface.DetectionReport, error) {
	if err := p.Validate(req); err != nil {
		monitor.ObserveRequest(req.ModelName, monitor.OutcomeClientError, 0)
		return nil, err
	}
	start := time.Now()
	reqID := uuid.NewString()
	log := p.log.With(zap.String("request_id", reqID), zap.String("model", req.ModelName))

	report, err := p.run(ctx, req, log)
	elapsed := time.Since(start)
	if err != nil {
		pe := classify(err)
		monitor.ObserveRequest(req.ModelName, monitor.OutcomeError, elapsed)
		log.Error("Analysis failed", zap.String("kind", string(pe.Kind)), zap.Error(pe.Err))
		return nil, pe
	}
	report.RequestID = reqID
	report.ProcessingTimeSec = elapsed.Seconds()
	monitor.ObserveRequest(req.ModelName, monitor.OutcomeOK, elapsed)
	log.Info("Analysis done",
		zap.String("product", report.ProductName),
		zap.Int("count", report.Count),
		zap.Duration("took", elapsed))
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, log *zap.Logger) (*iface.DetectionReport, error) {
	handle, err := p.models.Get(ctx, req.ModelName)
	if err != nil {
		return nil, err
	}
	dets, err := p.runner.Detect(ctx, handle.Backend, req.Image, req.Confidence)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if dets == nil {
		dets = []iface.Detection{}
	}
	count := len(dets)
	log.Debug("Detections ready", zap.Int("count", count))

	report := &iface.DetectionReport{
		Message:       successMessage,
		Model:         req.ModelName,
		ModelType:     handle.Family,
		Count:         count,
		NumDetections: count,
		Detections:    dets,
	}
	if count == 0 && p.opts.SuppressEmptyNutrition {
		report.ProductName = identity.UnknownFood
		return report, nil
	}
	report.ProductName = p.identity.Resolve(ctx, req.Image, dets)
	perItem, total := p.nutrition.Resolve(ctx, report.ProductName, count)
	report.NutritionPerItem = &perItem
	report.TotalNutrition = &total
	return report, nil
}
