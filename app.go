package main

import (
	"FoodDetServer/config"
	"FoodDetServer/engine"
	"FoodDetServer/engine/onnx"
	"FoodDetServer/engine/opencv"
	"FoodDetServer/identity"
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/nutrition"
	"FoodDetServer/pipeline"
	"bytes"
	"context"
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// app 持有一次进程运行所需的全部组件
type app struct {
	cfg        config.Config
	registry   *engine.Registry
	dispatcher *engine.Dispatcher
	pipeline   *pipeline.Pipeline
}

func newApp(cfg config.Config) *app {
	registry := engine.NewRegistry(cfg.ModelSpecs())
	registry.RegisterLoader(engine.FamilyYOLOv5, func(spec engine.ModelSpec, names []string) (iface.Backend, error) {
		if err := onnx.InitEnvironment(cfg.OnnxLibPath); err != nil {
			return nil, err
		}
		return onnx.Loader(spec, names)
	})
	registry.RegisterLoader(engine.FamilyYOLOv8, opencv.Loader)

	dispatcher := engine.NewDispatcher(cfg.WorkersNum)
	p := pipeline.New(
		registry,
		dispatcher,
		identity.NewResolver(cfg.Identity),
		nutrition.NewResolver(cfg.Nutrition),
		cfg.Pipeline,
	)
	return &app{cfg: cfg, registry: registry, dispatcher: dispatcher, pipeline: p}
}

// preload 启动时加载配置中的模型，GPU 模型额外跑几次预热，失败只记录日志
func (a *app) preload(ctx context.Context) {
	for _, name := range a.cfg.Preload {
		h, err := a.registry.Get(ctx, name)
		if err != nil {
			logger.Log().Warn("Preload failed", zap.String("model", name), zap.Error(err))
			continue
		}
		spec, _ := a.registry.Spec(name)
		if !spec.UseGPU {
			continue
		}
		warm, err := warmupImage()
		if err != nil {
			logger.Log().Warn("Warm-up image encode failed", zap.Error(err))
			continue
		}
		logger.Log().Info("Using GPU, warming up", zap.String("model", name))
		for i := 0; i < 3; i++ {
			if _, err := a.dispatcher.Detect(ctx, h.Backend, warm, pipeline.MaxConfidence); err != nil {
				logger.Log().Warn("Warm-up detect failed", zap.String("model", name), zap.Error(err))
				break
			}
		}
		logger.Log().Info("Warm up finished", zap.String("model", name))
	}
}

// warmupImage 32x32 黑色 JPEG
func warmupImage() ([]byte, error) {
	var buf bytes.Buffer
	img := imaging.New(32, 32, color.Black)
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("encode warm-up image: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *app) close() {
	a.dispatcher.Close()
	a.registry.Close()
	if err := onnx.DestroyEnvironment(); err != nil {
		logger.Log().Warn("Destroy onnxruntime environment failed", zap.Error(err))
	}
}
