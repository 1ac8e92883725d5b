package proto

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/monitor"
	"FoodDetServer/pipeline"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Analyzer runs one analysis request.
type Analyzer interface {
	Run(ctx context.Context, req pipeline.Request) (*iface.DetectionReport, error)
}

// ModelLister reports configured models.
type ModelLister interface {
	Status() []iface.ModelStatus
}

type Server struct {
	analyzer  Analyzer
	models    ModelLister
	closeOnce sync.Once
	// Shutdown 调用后关闭，由 serve 命令监听
	CloseChannel chan struct{}
}

func NewServer(analyzer Analyzer, models ModelLister) *Server {
	return &Server{
		analyzer:     analyzer,
		models:       models,
		CloseChannel: make(chan struct{}),
	}
}

func (s *Server) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	fields := req.GetFields()
	image, err := pipeline.DecodeBase64Image(fields["image_b64"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	modelName := pipeline.DefaultModel
	if v, ok := fields["model_name"]; ok && v.GetStringValue() != "" {
		modelName = v.GetStringValue()
	}
	conf := pipeline.DefaultConfidence
	if v, ok := fields["conf_threshold"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
			return nil, status.Error(codes.InvalidArgument, "conf_threshold must be a number")
		}
		conf = v.GetNumberValue()
	}

	report, err := s.analyzer.Run(ctx, pipeline.Request{Image: image, ModelName: modelName, Confidence: conf})
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(report)
	if err != nil {
		logger.Log().Error("Failed to encode report", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) ListModels(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	available := make(map[string]iface.ModelStatus)
	for _, st := range s.models.Status() {
		available[st.Name] = st
	}
	return toStruct(map[string]any{"available_models": available})
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	s.closeOnce.Do(func() {
		logger.Log().Warn("Shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	var ce *pipeline.ClientInputError
	if errors.As(err, &ce) {
		return status.Error(codes.InvalidArgument, ce.Error())
	}
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) && pe.Kind == pipeline.KindModelNotFound {
		return status.Error(codes.NotFound, pe.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// toStruct 通过 JSON 转换，字段名与 HTTP 响应一致
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Serve registers srv on a new grpc.Server and serves lis in the background.
func Serve(lis net.Listener, srv *Server) *grpc.Server {
	s := grpc.NewServer()
	RegisterDetectServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s
}

func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return Serve(lis, srv), nil
}
