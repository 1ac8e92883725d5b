// Package identity names the food in a photo with a multimodal classifier.
// It never fails: any problem falls back to the first detection's label.
package identity

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/monitor"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.0-pro"
	DefaultTimeout = 15 * time.Second
	UnknownFood    = "unknown_food"

	basePrompt = `Identify the food product shown in the photo and give its name in English.
Answer with one word or a short phrase (for example: "fried chicken", "shrimp tempura", "apple").
`
)

type Config struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var errNoText = errors.New("response carries no text part")

// Resolver calls the Gemini generateContent endpoint once per request.
type Resolver struct {
	client *resty.Client
	cfg    Config
	log    *zap.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Resolver{client: client, cfg: cfg, log: logger.Named("identity")}
}

// Resolve returns a lowercase product name, never empty.
func (r *Resolver) Resolve(ctx context.Context, image []byte, dets []iface.Detection) string {
	name, err := r.classify(ctx, image, dets)
	if err == nil {
		return name
	}
	fallback := Fallback(dets)
	monitor.IdentityFallback.Inc()
	r.log.Warn("Identity lookup degraded", zap.Error(err), zap.String("fallback", fallback))
	return fallback
}

func (r *Resolver) classify(ctx context.Context, image []byte, dets []iface.Detection) (string, error) {
	var result generateResponse
	resp, err := r.client.R().
		SetContext(context.WithoutCancel(ctx)).
		SetPathParam("model", r.cfg.Model).
		SetQueryParam("key", r.cfg.APIKey).
		SetBody(buildRequest(image, dets)).
		SetResult(&result).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("gemini returned %s: %s", resp.Status(), truncate(resp.String(), 200))
	}
	text, err := firstText(result)
	if err != nil {
		return "", err
	}
	name := Clean(text)
	if name == "" {
		return "", errNoText
	}
	return name, nil
}

func buildRequest(image []byte, dets []iface.Detection) generateRequest {
	return generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: Prompt(dets)},
				{InlineData: &inlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     0.1,
			TopK:            32,
			TopP:            1,
			MaxOutputTokens: 100,
		},
	}
}

// Prompt appends each detection's box and confidence to the base instruction.
func Prompt(dets []iface.Detection) string {
	if len(dets) == 0 {
		return basePrompt
	}
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\nObjects detected in the image at these coordinates:\n")
	for i, d := range dets {
		fmt.Fprintf(&sb, "Object %d: [%g, %g, %g, %g], confidence: %.2f\n",
			i+1, d.Box[0], d.Box[1], d.Box[2], d.Box[3], d.Confidence)
	}
	return sb.String()
}

func firstText(res generateResponse) (string, error) {
	if len(res.Candidates) == 0 {
		return "", errNoText
	}
	for _, p := range res.Candidates[0].Content.Parts {
		if p.Text != nil {
			return *p.Text, nil
		}
	}
	return "", errNoText
}

var cleaner = strings.NewReplacer(`"`, "", ".", "", ":", "")

// Clean trims, lowercases and strips quotes, periods and colons.
func Clean(s string) string {
	return strings.TrimSpace(cleaner.Replace(strings.ToLower(strings.TrimSpace(s))))
}

// Fallback 第一个检测框的类别名，没有检测结果时为 unknown_food
func Fallback(dets []iface.Detection) string {
	if len(dets) > 0 && dets[0].ClassName != "" {
		return dets[0].ClassName
	}
	return UnknownFood
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
