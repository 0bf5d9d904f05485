package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// openaiCompatible covers every provider speaking the OpenAI wire shape:
// /chat/completions, /images/generations, /audio/speech under one base
// URL with a Bearer key.
type openaiCompatible struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	defaults   modelDefaults
	permits    int
}

func newOpenAICompatible(cfg Config, baseURL string, defaults modelDefaults, logg *logger.Logger) *openaiCompatible {
	return &openaiCompatible{
		log:        logg.With("component", "ProviderAdapter", "provider", string(cfg.Provider)),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		defaults:   defaults,
		permits:    cfg.MaxConcurrency,
	}
}

func (c *openaiCompatible) MaxConcurrency() int { return c.permits }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openaiCompatible) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.defaults.chat
	}
	if model == "" {
		return "", apierr.Validation("provider.chat", "model required")
	}
	if len(messages) == 0 {
		return "", apierr.Validation("provider.chat", "messages required")
	}

	var out chatResponse
	if err := c.postJSON(ctx, "provider.chat", "/chat/completions", chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", apierr.External("provider.chat", fmt.Errorf("empty choices from %s", c.baseURL))
	}
	return out.Choices[0].Message.Content, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

func (c *openaiCompatible) Image(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error) {
	model := opts.Model
	if model == "" {
		model = c.defaults.image
	}
	if model == "" {
		return ImageResult{}, apierr.Validation("provider.image", "model required")
	}
	if strings.TrimSpace(prompt) == "" {
		return ImageResult{}, apierr.Validation("provider.image", "prompt required")
	}

	var out imageResponse
	if err := c.postJSON(ctx, "provider.image", "/images/generations", imageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           opts.Size,
		ResponseFormat: "b64_json",
	}, &out); err != nil {
		return ImageResult{}, err
	}
	if len(out.Data) == 0 {
		return ImageResult{}, apierr.External("provider.image", fmt.Errorf("empty data from %s", c.baseURL))
	}
	d := out.Data[0]
	if d.B64JSON != "" {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return ImageResult{}, apierr.External("provider.image", fmt.Errorf("decode b64_json: %w", err))
		}
		return ImageResult{Bytes: raw, Mime: "image/png"}, nil
	}
	if d.URL != "" {
		return ImageResult{URL: d.URL, Mime: "image/png"}, nil
	}
	return ImageResult{}, apierr.External("provider.image", fmt.Errorf("image response carries neither url nor bytes"))
}

type ttsRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

func (c *openaiCompatible) TTS(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	model := opts.Model
	if model == "" {
		model = c.defaults.tts
	}
	if model == "" {
		return nil, apierr.Validation("provider.tts", "model required")
	}
	voice := opts.Voice
	if voice == "" {
		voice = "alloy"
	}
	format := opts.Format
	if format == "" {
		format = "mp3"
	}
	if strings.TrimSpace(text) == "" {
		return nil, apierr.Validation("provider.tts", "text required")
	}

	raw, err := c.postRaw(ctx, "provider.tts", "/audio/speech", ttsRequest{
		Model:          model,
		Input:          text,
		Voice:          voice,
		Speed:          opts.Speed,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, apierr.External("provider.tts", fmt.Errorf("empty audio from %s", c.baseURL))
	}
	return raw, nil
}

func (c *openaiCompatible) postJSON(ctx context.Context, op, path string, body, out any) error {
	raw, err := c.postRaw(ctx, op, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.External(op, fmt.Errorf("decode response: %w; raw=%s", err, truncate(string(raw), 512)))
	}
	return nil
}

func (c *openaiCompatible) postRaw(ctx context.Context, op, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, apierr.Internal(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, apierr.Internal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Cancelled(op)
		}
		return nil, apierr.Transport(op, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, apierr.Transport(op, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyProviderHTTP(op, resp.StatusCode, string(raw))
	}
	return raw, nil
}

// classifyProviderHTTP maps a provider HTTP failure onto the canonical
// kinds: 429 is the only thing the gateway will retry.
func classifyProviderHTTP(op string, status int, body string) error {
	msg := truncate(strings.TrimSpace(body), 512)
	err := fmt.Errorf("provider http %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return apierr.RateLimited(op, err.Error())
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.Auth(op, fmt.Sprintf("provider rejected credentials (http %d)", status))
	case status == http.StatusNotFound || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(body), "model") {
			return apierr.Validation(op, "unknown or inaccessible model: "+msg)
		}
		return apierr.External(op, err)
	case status >= 500:
		return apierr.External(op, err)
	default:
		return apierr.Transport(op, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
