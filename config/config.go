package config

import (
	"FoodDetServer/engine"
	"FoodDetServer/identity"
	"FoodDetServer/logger"
	"FoodDetServer/nutrition"
	"FoodDetServer/pipeline"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type ModelConfig struct {
	Name      string   `yaml:"name"`
	Path      string   `yaml:"path"`
	Type      string   `yaml:"type"`
	Names     []string `yaml:"names"`
	NamesFile string   `yaml:"namesFile"`
	InputSize int      `yaml:"inputSize"`
	Iou       float32  `yaml:"iou"`
	UseGPU    bool     `yaml:"useGPU"`
}

type WSConfig struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	ReadLimit   int64         `yaml:"readLimit"`
}

type Config struct {
	HTTPPort      int              `yaml:"httpPort"`
	RPCPort       int              `yaml:"rpcPort"`
	AdhocPort     int              `yaml:"adhocPort"`
	WorkersNum    int              `yaml:"workersNum"`
	Log           logger.Options   `yaml:"log"`
	Models        []ModelConfig    `yaml:"models"`
	Preload       []string         `yaml:"preload"`
	Identity      identity.Config  `yaml:"identity"`
	Nutrition     nutrition.Config `yaml:"nutrition"`
	Pipeline      pipeline.Options `yaml:"pipeline"`
	WS            WSConfig         `yaml:"ws"`
	UseRegServer  bool             `yaml:"useRegServer"`
	RegServerHost string           `yaml:"regServerHost"`
	RegServerPort int              `yaml:"regServerPort"`
	InstanceClass string           `yaml:"instanceClass"`
	OnnxLibPath   string           `yaml:"onnxLibPath"`
}

// Default 未提供配置文件时使用的配置
func Default() Config {
	return Config{
		HTTPPort:   8080,
		RPCPort:    50051,
		AdhocPort:  9090,
		WorkersNum: 1,
		Models: []ModelConfig{
			{Name: "model1", Path: "models/model1.onnx", Type: engine.FamilyYOLOv5, NamesFile: "models/model1.names"},
			{Name: "model2", Path: "models/model2.onnx", Type: engine.FamilyYOLOv8, NamesFile: "models/model2.names"},
		},
		Identity: identity.Config{
			BaseURL: identity.DefaultBaseURL,
			Model:   identity.DefaultModel,
			Timeout: identity.DefaultTimeout,
		},
		Nutrition: nutrition.Config{
			BaseURL: nutrition.DefaultEdamamURL,
			Timeout: nutrition.DefaultTimeout,
		},
		WS: WSConfig{
			IdleTimeout: 60 * time.Second,
			ReadLimit:   20 * 1024 * 1024,
		},
		InstanceClass: "Cpu",
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Identity.APIKey = v
	}
	if v := os.Getenv("EDAMAM_APP_ID"); v != "" {
		c.Nutrition.AppID = v
	}
	if v := os.Getenv("EDAMAM_APP_KEY"); v != "" {
		c.Nutrition.AppKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
	}
	if c.Identity.Timeout <= 0 {
		c.Identity.Timeout = identity.DefaultTimeout
	}
	if c.Nutrition.Timeout <= 0 {
		c.Nutrition.Timeout = nutrition.DefaultTimeout
	}
	if c.WS.IdleTimeout <= 0 {
		c.WS.IdleTimeout = 60 * time.Second
	}
	if c.WS.ReadLimit <= 0 {
		c.WS.ReadLimit = 20 * 1024 * 1024
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("config: at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("config: models[%d] has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("config: duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Path == "" {
			return fmt.Errorf("config: model %q has no path", m.Name)
		}
		if m.Type != engine.FamilyYOLOv5 && m.Type != engine.FamilyYOLOv8 {
			return fmt.Errorf("config: model %q has unsupported type %q", m.Name, m.Type)
		}
	}
	for _, name := range c.Preload {
		if !seen[name] {
			return fmt.Errorf("config: preload references unknown model %q", name)
		}
	}
	for _, p := range []struct {
		key  string
		port int
	}{{"httpPort", c.HTTPPort}, {"rpcPort", c.RPCPort}, {"adhocPort", c.AdhocPort}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("config: %s %d out of range", p.key, p.port)
		}
	}
	if c.UseRegServer && c.RegServerHost == "" {
		return errors.New("config: useRegServer requires regServerHost")
	}
	return nil
}

// WorkersWarning 超过 CPU 核数时返回提示信息
func (c Config) WorkersWarning() string {
	if n := runtime.NumCPU(); c.WorkersNum > n {
		return fmt.Sprintf("workersNum %d exceeds %d CPU cores, which may lead to performance degradation", c.WorkersNum, n)
	}
	return ""
}

// ModelSpecs converts the models section for the registry.
func (c Config) ModelSpecs() []engine.ModelSpec {
	specs := make([]engine.ModelSpec, 0, len(c.Models))
	for _, m := range c.Models {
		specs = append(specs, engine.ModelSpec{
			Name:      m.Name,
			Path:      m.Path,
			Type:      m.Type,
			Names:     engine.NamesConf{File: m.NamesFile, Data: m.Names},
			InputSize: m.InputSize,
			Iou:       m.Iou,
			UseGPU:    m.UseGPU,
		})
	}
	return specs
}
