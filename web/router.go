package web

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/pipeline"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	Version     = "1.0.0"
	rootMessage = "Food detection API with nutrition estimates. POST an image to /analyze."
)

// Analyzer runs one analysis request.
type Analyzer interface {
	Run(ctx context.Context, req pipeline.Request) (*iface.DetectionReport, error)
}

// ModelLister reports configured models.
type ModelLister interface {
	Known(name string) bool
	Status() []iface.ModelStatus
}

type Options struct {
	IdleTimeout time.Duration
	ReadLimit   int64
}

type Server struct {
	analyzer Analyzer
	models   ModelLister
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(analyzer Analyzer, models ModelLister, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 20 * 1024 * 1024
	}
	return &Server{
		analyzer: analyzer,
		models:   models,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.Named("web"),
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.MaxMultipartMemory = s.opts.ReadLimit

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": rootMessage})
	})
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"version":   Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	r.GET("/models", s.listModels)
	r.POST("/analyze", s.analyze)
	r.GET("/ws/analyze", s.wsAnalyze)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

func (s *Server) listModels(c *gin.Context) {
	available := make(map[string]iface.ModelStatus)
	for _, st := range s.models.Status() {
		available[st.Name] = st
	}
	c.JSON(http.StatusOK, gin.H{"available_models": available})
}

func (s *Server) analyze(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	conf, err := parseConf(c.DefaultPostForm("conf_threshold", ""))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}

	report, err := s.analyzer.Run(c.Request.Context(), pipeline.Request{
		Image:      image,
		ModelName:  c.DefaultPostForm("model_name", pipeline.DefaultModel),
		Confidence: conf,
	})
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, report)
}

// parseConf 空字符串使用默认阈值
func parseConf(raw string) (float64, error) {
	if raw == "" {
		return pipeline.DefaultConfidence, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &pipeline.ClientInputError{Field: "conf_threshold", Reason: fmt.Sprintf("not a number: %q", raw)}
	}
	return v, nil
}

func errorResponse(err error) (int, gin.H) {
	var ce *pipeline.ClientInputError
	if errors.As(err, &ce) {
		return http.StatusBadRequest, gin.H{"error": ce.Error()}
	}
	return http.StatusInternalServerError, gin.H{"detail": "Error processing image: " + err.Error()}
}
