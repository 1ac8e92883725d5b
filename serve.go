package main

import (
	adhoc "FoodDetServer/Adhoc"
	backend "FoodDetServer/gRPC"
	"FoodDetServer/logger"
	"FoodDetServer/monitor"
	"FoodDetServer/web"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, WebSocket and gRPC servers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Log()
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	log.Info("Starting fooddet",
		zap.Int("cpuCores", CPUNum),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.Int("adhocPort", cfg.AdhocPort),
		zap.Int("workersNum", cfg.WorkersNum))
	if warn := cfg.WorkersWarning(); warn != "" {
		log.Warn(warn)
	}

	a := newApp(cfg)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.preload(ctx)

	var wg sync.WaitGroup
	go monitor.StartMon(cfg.AdhocPort, ctx)

	// 注册服务心跳
	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			return fmt.Errorf("failed to get outbound IP: %w", err)
		}
		log.Info("Outbound IP", zap.String("ip", ip))
		class, ok := adhoc.ParseInstanceClass(cfg.InstanceClass)
		if !ok {
			log.Warn("Invalid instanceClass in config, defaulting to Cpu", zap.String("instanceClass", cfg.InstanceClass))
		}
		adhoc.RegServerCfg = adhoc.RegServerConfig{}
		adhoc.RegServerCfg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		wg.Add(1)
		go adhoc.SendAliveMessage(adhoc.Instance{
			IP:            ip,
			RPCPort:       cfg.RPCPort,
			HTTPPort:      cfg.HTTPPort,
			InstanceClass: class,
			Models:        a.registry.Names(),
		}, ctx, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	rpc := backend.NewServer(a.pipeline, a.registry)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		return err
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: web.NewServer(a.pipeline, a.registry, web.Options{
			IdleTimeout: cfg.WS.IdleTimeout,
			ReadLimit:   cfg.WS.ReadLimit,
		}).Router(),
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Signal received, shutting down")
	case <-rpc.CloseChannel:
		log.Warn("Shutting down on request")
	case err = <-httpErr:
		log.Error("HTTP server failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Error("HTTP server shutdown error", zap.Error(serr))
	}
	grpcServer.GracefulStop()
	wg.Wait()
	log.Info("Safely exited")
	return err
}
