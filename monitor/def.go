package monitor

import (
	"FoodDetServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// 请求结果标签
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeError       = "error"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fooddet_requests_total",
		Help: "Analysis requests by model and outcome",
	}, []string{"model", "outcome"})
	PipelineSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fooddet_pipeline_seconds",
		Help:    "Time spent in detection, identity and nutrition per request",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})
	NutritionTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fooddet_nutrition_tier_total",
		Help: "Nutrition lookups by the tier that answered",
	}, []string{"tier"})
	IdentityFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fooddet_identity_fallback_total",
		Help: "Identity lookups answered from detections instead of the classifier",
	})
)

var srv *http.Server

func init() {
	registry.MustRegister(memUsage, cpuUsage, GRPCTotal, RequestsTotal, PipelineSeconds, NutritionTier, IdentityFallback)
}

// Registry exposes the process registry for scraping and tests.
func Registry() *prometheus.Registry {
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}

// ObserveRequest records one pipeline run.
func ObserveRequest(model, outcome string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(model, outcome).Inc()
	if outcome != OutcomeClientError {
		PipelineSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}
