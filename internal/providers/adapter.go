package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Message is one chat turn in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type ImageOptions struct {
	Model string
	Size  string
}

type TTSOptions struct {
	Model  string
	Voice  string
	Speed  float64
	Format string
}

// ImageResult normalizes the two ways providers hand back images so
// downstream code never branches on transport shape.
type ImageResult struct {
	Bytes []byte
	Mime  string
	URL   string
}

// Adapter is the uniform capability surface over one provider + key.
// Adapters make exactly one attempt per call and classify failures; the
// gateway owns the rate-limit retry policy.
type Adapter interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
	Image(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error)
	TTS(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
	MaxConcurrency() int
}

// Config is the per-key construction input.
type Config struct {
	Provider       domain.Provider
	APIKey         string
	BaseURL        string
	MaxConcurrency int
}

type modelDefaults struct {
	chat  string
	image string
	tts   string
}

var compatBases = map[domain.Provider]string{
	domain.ProviderOpenAI:      "https://api.openai.com/v1",
	domain.ProviderDeepSeek:    "https://api.deepseek.com/v1",
	domain.ProviderSiliconflow: "https://api.siliconflow.cn/v1",
	domain.ProviderVolcengine:  "https://ark.cn-beijing.volces.com/api/v3",
}

var compatDefaults = map[domain.Provider]modelDefaults{
	domain.ProviderOpenAI:      {chat: "gpt-4o-mini", image: "dall-e-3", tts: "tts-1"},
	domain.ProviderDeepSeek:    {chat: "deepseek-chat"},
	domain.ProviderSiliconflow: {chat: "Qwen/Qwen2.5-7B-Instruct"},
	domain.ProviderVolcengine:  {},
	domain.ProviderCustom:      {},
}

// New builds the adapter variant for the provider. Everything except
// gemini speaks the OpenAI-compatible wire shape against its base URL.
func New(cfg Config, logg *logger.Logger) (Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider %s: api key required", cfg.Provider)
	}
	switch cfg.Provider {
	case domain.ProviderGemini:
		return newGemini(cfg, logg), nil
	case domain.ProviderOpenAI, domain.ProviderDeepSeek, domain.ProviderSiliconflow,
		domain.ProviderVolcengine, domain.ProviderCustom:
		base := strings.TrimRight(cfg.BaseURL, "/")
		if base == "" {
			base = compatBases[cfg.Provider]
		}
		if base == "" {
			return nil, fmt.Errorf("provider %s: base_url required", cfg.Provider)
		}
		return newOpenAICompatible(cfg, base, compatDefaults[cfg.Provider], logg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
