package Adhoc

import (
	"FoodDetServer/logger"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5

	ServiceName = "fooddet"
)

type RegisterRequest struct {
	Id            string   `json:"id"`
	Service       string   `json:"service"`
	IP            string   `json:"ip"`
	Port          int      `json:"port"`
	HTTPPort      int      `json:"httpPort"`
	InstanceClass int      `json:"instanceClass"`
	Models        []string `json:"models"`
	TimeStamp     int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	addr := reg.Addr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if reg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", addr, reg.Port)
	}
	return addr
}

var RegServerCfg RegServerConfig

// ParseInstanceClass 未知取值按 Cpu 处理
func ParseInstanceClass(s string) (int, bool) {
	switch strings.ToLower(s) {
	case "dml":
		return DmlInstance, true
	case "cuda":
		return CudaInstance, true
	case "rocm":
		return RocmInstance, true
	case "cpu":
		return CpuInstance, true
	default:
		return CpuInstance, false
	}
}

// GetOutboundIP 通过 UDP 路由查询本机出口 IP，不会真正发包
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Instance describes this server to the registration service.
type Instance struct {
	IP            string
	RPCPort       int
	HTTPPort      int
	InstanceClass int
	Models        []string
}

type Heartbeat struct {
	reg      RegServerConfig
	inst     Instance
	id       string
	interval time.Duration
	client   *resty.Client
}

func NewHeartbeat(reg RegServerConfig, inst Instance) *Heartbeat {
	return &Heartbeat{
		reg:      reg,
		inst:     inst,
		id:       uuid.NewString(),
		interval: TimeOutSeconds * time.Second,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// SendOnce posts one registration. A non-2xx reply or success=false is an error.
func (h *Heartbeat) SendOnce(ctx context.Context) error {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:            h.id,
		Service:       ServiceName,
		IP:            h.inst.IP,
		Port:          h.inst.RPCPort,
		HTTPPort:      h.inst.HTTPPort,
		InstanceClass: h.inst.InstanceClass,
		Models:        h.inst.Models,
		TimeStamp:     time.Now().Unix(),
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.reg.URL() + "/api/register")
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration rejected for %s", h.id)
	}
	return nil
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		if err := h.SendOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Error("Heartbeat failed", zap.String("id", h.id), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}

// SendAliveMessage runs a heartbeat against the package-level RegServerCfg.
func SendAliveMessage(inst Instance, ctx context.Context, wg *sync.WaitGroup) {
	NewHeartbeat(RegServerCfg, inst).Run(ctx, wg)
}
