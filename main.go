package main

import (
	"FoodDetServer/config"
	"FoodDetServer/logger"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fooddet",
	Short: "Food photo detection with nutrition estimates",
	Long: `fooddet detects food items in a photo with a YOLO model, names the product
with a multimodal classifier and estimates nutrition scaled by item count.
It serves the analysis over HTTP, WebSocket and gRPC, or runs it once from the CLI.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
}

// loadConfig 读取配置并初始化日志
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
