package proto

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/pipeline"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type MockAnalyzer struct {
	last pipeline.Request
	err  error
}

func (m *MockAnalyzer) Run(ctx context.Context, req pipeline.Request) (*iface.DetectionReport, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	per := iface.NutritionInfo{Calories: 120, Protein: 20, Fat: 5, Carbs: 3, ServingWeightGrams: 30}
	total := per.Scale(1)
	return &iface.DetectionReport{
		Message:          "Analysis completed successfully",
		Model:            req.ModelName,
		ModelType:        "YOLOv5",
		ProductName:      "shrimp",
		Count:            1,
		NumDetections:    1,
		NutritionPerItem: &per,
		TotalNutrition:   &total,
		Detections: []iface.Detection{
			{Box: [4]float64{1, 1, 2, 2}, Confidence: 0.99, ClassID: 0, ClassName: "shrimp"},
		},
	}, nil
}

type mockModels struct{}

func (mockModels) Status() []iface.ModelStatus {
	return []iface.ModelStatus{
		{Name: "model1", Path: "models/a.onnx", Exists: true, Loaded: true, Type: "YOLOv5"},
		{Name: "model2", Path: "models/b.onnx", Exists: false, Loaded: false, Type: "YOLOv8"},
	}
}

func startBufServer(t *testing.T, analyzer Analyzer) (DetectServiceClient, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(analyzer, mockModels{})
	gs := Serve(lis, srv)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewDetectServiceClient(conn), srv
}

func analyzeReq(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestAnalyze(t *testing.T) {
	mock := &MockAnalyzer{}
	client, _ := startBufServer(t, mock)

	resp, err := client.Analyze(context.Background(), analyzeReq(t, map[string]any{
		"image_b64":      "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		"model_name":     "model2",
		"conf_threshold": 0.4,
	}))
	require.NoError(t, err)

	assert.Equal(t, []byte("jpeg-bytes"), mock.last.Image)
	assert.Equal(t, "model2", mock.last.ModelName)
	assert.Equal(t, 0.4, mock.last.Confidence)

	fields := resp.GetFields()
	assert.Equal(t, "shrimp", fields["product_name"].GetStringValue())
	assert.Equal(t, 1.0, fields["count"].GetNumberValue())
	assert.Equal(t, 120.0, fields["total_nutrition"].GetStructValue().GetFields()["calories"].GetNumberValue())
	dets := fields["detections"].GetListValue().GetValues()
	if assert.Len(t, dets, 1) {
		det := dets[0].GetStructValue().GetFields()
		assert.Equal(t, "shrimp", det["class_name"].GetStringValue())
		assert.InDelta(t, 0.99, det["confidence"].GetNumberValue(), 1e-9)
		assert.Len(t, det["bbox"].GetListValue().GetValues(), 4)
	}
}

func TestAnalyze_Defaults(t *testing.T) {
	mock := &MockAnalyzer{}
	client, _ := startBufServer(t, mock)

	_, err := client.Analyze(context.Background(), analyzeReq(t, map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString([]byte("x")),
	}))
	require.NoError(t, err)
	assert.Equal(t, pipeline.DefaultModel, mock.last.ModelName)
	assert.Equal(t, pipeline.DefaultConfidence, mock.last.Confidence)
}

func TestAnalyze_ErrorCodes(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("x"))
	cases := []struct {
		name   string
		fields map[string]any
		err    error
		code   codes.Code
	}{
		{"missing image", map[string]any{}, nil, codes.InvalidArgument},
		{"bad base64", map[string]any{"image_b64": "!!"}, nil, codes.InvalidArgument},
		{"conf not number", map[string]any{"image_b64": img, "conf_threshold": "high"}, nil, codes.InvalidArgument},
		{"client error", map[string]any{"image_b64": img}, &pipeline.ClientInputError{Field: "conf_threshold", Reason: "out of range"}, codes.InvalidArgument},
		{"model missing", map[string]any{"image_b64": img}, &pipeline.PipelineError{Kind: pipeline.KindModelNotFound, Err: fmt.Errorf("gone")}, codes.NotFound},
		{"load failed", map[string]any{"image_b64": img}, &pipeline.PipelineError{Kind: pipeline.KindModelLoad, Err: fmt.Errorf("bad onnx")}, codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := startBufServer(t, &MockAnalyzer{err: tc.err})
			_, err := client.Analyze(context.Background(), analyzeReq(t, tc.fields))
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestListModels(t *testing.T) {
	client, _ := startBufServer(t, &MockAnalyzer{})

	resp, err := client.ListModels(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	models := resp.GetFields()["available_models"].GetStructValue().GetFields()
	require.Len(t, models, 2)
	m1 := models["model1"].GetStructValue().GetFields()
	assert.True(t, m1["loaded"].GetBoolValue())
	assert.Equal(t, "YOLOv5", m1["type"].GetStringValue())
	assert.False(t, models["model2"].GetStructValue().GetFields()["exists"].GetBoolValue())
}

func TestShutdown_ClosesChannelOnce(t *testing.T) {
	client, srv := startBufServer(t, &MockAnalyzer{})

	for i := 0; i < 2; i++ {
		_, err := client.Shutdown(context.Background(), &emptypb.Empty{})
		require.NoError(t, err)
	}
	select {
	case <-srv.CloseChannel:
	default:
		t.Fatal("CloseChannel not closed")
	}
}
