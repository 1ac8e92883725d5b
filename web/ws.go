package web

import (
	"FoodDetServer/pipeline"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsAnalyze 每条文本消息是一张 base64 图片，二进制消息是原始图片字节，每条消息回复一个 JSON
func (s *Server) wsAnalyze(c *gin.Context) {
	// 在升级前校验阈值范围和模型名
	conf, err := parseConf(c.Query("conf_threshold"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	modelName := c.DefaultQuery("model_name", pipeline.DefaultModel)
	if err := pipeline.ValidateParams(s.models, modelName, conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.ReadLimit)
	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()), zap.String("model", modelName))
	log.Info("WebSocket session opened")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"),
					time.Now().Add(time.Second))
				log.Info("WebSocket session idle, released")
				return
			}
			log.Info("WebSocket session closed", zap.Error(err))
			return
		}

		var image []byte
		switch mt {
		case websocket.TextMessage:
			image, err = pipeline.DecodeBase64Image(string(msg))
			if err != nil {
				_ = conn.WriteJSON(gin.H{"error": "invalid image: " + err.Error()})
				continue
			}
		case websocket.BinaryMessage:
			image = msg
		default:
			_ = conn.WriteJSON(gin.H{"error": "unsupported message type"})
			continue
		}

		report, err := s.analyzer.Run(c.Request.Context(), pipeline.Request{Image: image, ModelName: modelName, Confidence: conf})
		if err != nil {
			_, body := errorResponse(err)
			_ = conn.WriteJSON(body)
			continue
		}
		if err := conn.WriteJSON(report); err != nil {
			log.Warn("WebSocket write failed", zap.Error(err))
			return
		}
	}
}
