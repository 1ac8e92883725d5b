package web

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/pipeline"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockAnalyzer struct {
	mu    sync.Mutex
	reqs  []pipeline.Request
	err   error
	count int
}

func (m *MockAnalyzer) Run(ctx context.Context, req pipeline.Request) (*iface.DetectionReport, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if req.Confidence < pipeline.MinConfidence || req.Confidence > pipeline.MaxConfidence {
		return nil, &pipeline.ClientInputError{Field: "conf_threshold", Reason: "out of range"}
	}
	if m.err != nil {
		return nil, m.err
	}
	per := iface.NutritionInfo{Calories: 250, Protein: 15, Fat: 16, Carbs: 12, ServingWeightGrams: 100}
	total := per.Scale(m.count)
	return &iface.DetectionReport{
		Message:          "Analysis completed successfully",
		Model:            req.ModelName,
		ModelType:        "YOLOv5",
		ProductName:      "fried chicken",
		Count:            m.count,
		NumDetections:    m.count,
		NutritionPerItem: &per,
		TotalNutrition:   &total,
		Detections:       []iface.Detection{},
	}, nil
}

func (m *MockAnalyzer) last() pipeline.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

type mockModels struct{}

func (mockModels) Known(name string) bool {
	return name == "model1" || name == "model2"
}

func (mockModels) Status() []iface.ModelStatus {
	return []iface.ModelStatus{{Name: "model1", Path: "models/model1.onnx", Exists: true, Type: "YOLOv5"}}
}

func newRouter(m *MockAnalyzer, opts Options) *gin.Engine {
	return NewServer(m, mockModels{}, opts).Router()
}

func multipartBody(t *testing.T, withFile bool, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if withFile {
		fw, err := w.CreateFormFile("file", "plate.jpg")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("jpeg-bytes"))
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func postAnalyze(t *testing.T, r http.Handler, withFile bool, fields map[string]string) *httptest.ResponseRecorder {
	body, ct := multipartBody(t, withFile, fields)
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAnalyze_OK(t *testing.T) {
	m := &MockAnalyzer{count: 2}
	rec := postAnalyze(t, newRouter(m, Options{}), true, map[string]string{"model_name": "model1", "conf_threshold": "0.25"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "fried chicken", got["product_name"])
	assert.Equal(t, 2.0, got["count"])
	assert.Equal(t, 500.0, got["total_nutrition"].(map[string]any)["calories"])
	for _, key := range []string{"message", "model", "model_type", "nutrition_per_item", "num_detections", "detections", "processing_time_sec"} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, []byte("jpeg-bytes"), m.last().Image)
	assert.Equal(t, 0.25, m.last().Confidence)
}

func TestAnalyze_Defaults(t *testing.T) {
	m := &MockAnalyzer{}
	rec := postAnalyze(t, newRouter(m, Options{}), true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "model1", m.last().ModelName)
	assert.Equal(t, 0.1, m.last().Confidence)
}

func TestAnalyze_ClientErrors(t *testing.T) {
	r := newRouter(&MockAnalyzer{}, Options{})

	rec := postAnalyze(t, r, false, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = postAnalyze(t, r, true, map[string]string{"conf_threshold": "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postAnalyze(t, r, true, map[string]string{"conf_threshold": "1.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "conf_threshold")
}

func TestAnalyze_PipelineError(t *testing.T) {
	m := &MockAnalyzer{err: &pipeline.PipelineError{Kind: pipeline.KindModelLoad, Err: errors.New("model load failed: bad header")}}
	rec := postAnalyze(t, newRouter(m, Options{}), true, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Error processing image: model load failed: bad header", got["detail"])
}

func TestInfoRoutes(t *testing.T) {
	r := newRouter(&MockAnalyzer{}, Options{})

	for path, want := range map[string]string{
		"/":         "message",
		"/api/ping": "pong",
		"/health":   `"version":"1.0.0"`,
		"/models":   `"available_models":{"model1":{"name":"model1","path":"models/model1.onnx","exists":true,"loaded":false,"type":"YOLOv5"}}`,
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), want, path)
	}
}

func dialWS(t *testing.T, r http.Handler, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/analyze" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWS_Analyze(t *testing.T) {
	m := &MockAnalyzer{count: 1}
	conn := dialWS(t, newRouter(m, Options{}), "?model_name=model2&conf_threshold=0.3")

	msg := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("frame-1"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	var rep iface.DetectionReport
	require.NoError(t, conn.ReadJSON(&rep))
	assert.Equal(t, "fried chicken", rep.ProductName)
	assert.Equal(t, "model2", m.last().ModelName)
	assert.Equal(t, 0.3, m.last().Confidence)
	assert.Equal(t, []byte("frame-1"), m.last().Image)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("frame-2")))
	require.NoError(t, conn.ReadJSON(&rep))
	assert.Equal(t, []byte("frame-2"), m.last().Image)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))
	var errBody map[string]string
	require.NoError(t, conn.ReadJSON(&errBody))
	assert.Contains(t, errBody["error"], "invalid image")
}

func TestWS_IdleTimeoutCloses(t *testing.T) {
	conn := dialWS(t, newRouter(&MockAnalyzer{}, Options{IdleTimeout: 50 * time.Millisecond}), "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "idle timeout", closeErr.Text)
}

func TestWS_BadParamsRejectedBeforeUpgrade(t *testing.T) {
	m := &MockAnalyzer{}
	srv := httptest.NewServer(newRouter(m, Options{}))
	defer srv.Close()

	for _, query := range []string{
		"?conf_threshold=abc",
		"?conf_threshold=5",
		"?conf_threshold=0.001",
		"?model_name=nope",
		"?conf_threshold=5&model_name=nope",
	} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/analyze" + query
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		resp.Body.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.reqs)
}
