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

// gemini speaks the generateContent REST surface with an x-goog-api-key
// header. Image output arrives as inlineData parts; text as text parts.
type gemini struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	permits    int
}

const (
	geminiDefaultBase       = "https://generativelanguage.googleapis.com"
	geminiDefaultChatModel  = "gemini-2.0-flash"
	geminiDefaultImageModel = "gemini-2.0-flash-preview-image-generation"
)

func newGemini(cfg Config, logg *logger.Logger) *gemini {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = geminiDefaultBase
	}
	return &gemini{
		log:        logg.With("component", "ProviderAdapter", "provider", "gemini"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    base,
		apiKey:     cfg.APIKey,
		permits:    cfg.MaxConcurrency,
	}
}

func (g *gemini) MaxConcurrency() int { return g.permits }

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error,omitempty"`
}

func (g *gemini) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if len(messages) == 0 {
		return "", apierr.Validation("provider.chat", "messages required")
	}
	model := opts.Model
	if model == "" {
		model = geminiDefaultChatModel
	}

	body := map[string]any{}
	var contents []geminiContent
	for _, m := range messages {
		if m.Role == "system" {
			body["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	body["contents"] = contents
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		gc := map[string]any{}
		if opts.Temperature != nil {
			gc["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			gc["maxOutputTokens"] = opts.MaxTokens
		}
		body["generationConfig"] = gc
	}

	res, err := g.generate(ctx, "provider.chat", model, body)
	if err != nil {
		return "", err
	}
	text := extractGeminiText(res)
	if text == "" {
		return "", apierr.External("provider.chat", fmt.Errorf("empty candidates from gemini"))
	}
	return text, nil
}

func (g *gemini) Image(ctx context.Context, prompt string, opts ImageOptions) (ImageResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return ImageResult{}, apierr.Validation("provider.image", "prompt required")
	}
	model := opts.Model
	if model == "" {
		model = geminiDefaultImageModel
	}

	body := map[string]any{
		"contents": []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		"generationConfig": map[string]any{
			"responseModalities": []string{"TEXT", "IMAGE"},
		},
	}

	res, err := g.generate(ctx, "provider.image", model, body)
	if err != nil {
		return ImageResult{}, err
	}
	for _, cand := range res.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return ImageResult{}, apierr.External("provider.image", fmt.Errorf("decode inlineData: %w", err))
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return ImageResult{Bytes: raw, Mime: mime}, nil
		}
	}
	return ImageResult{}, apierr.External("provider.image", fmt.Errorf("gemini response carried no image part"))
}

func (g *gemini) TTS(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	return nil, apierr.Validation("provider.tts", "gemini adapter does not support tts")
}

// normalizeGeminiModel maps "gemini-2.0-flash" -> "models/gemini-2.0-flash"
// and leaves resource names untouched.
func normalizeGeminiModel(model string) string {
	m := strings.TrimSpace(model)
	if strings.HasPrefix(m, "models/") || strings.HasPrefix(m, "tunedModels/") {
		return m
	}
	return "models/" + m
}

func (g *gemini) generate(ctx context.Context, op, model string, body map[string]any) (generateContentResponse, error) {
	var out generateContentResponse

	payload, err := json.Marshal(body)
	if err != nil {
		return out, apierr.Internal(op, err)
	}
	url := fmt.Sprintf("%s/v1beta/%s:generateContent", g.baseURL, normalizeGeminiModel(model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return out, apierr.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return out, apierr.Cancelled(op)
		}
		return out, apierr.Transport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return out, apierr.Transport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, classifyGeminiHTTP(op, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, apierr.External(op, fmt.Errorf("decode response: %w; raw=%s", err, truncate(string(raw), 512)))
	}
	return out, nil
}

func classifyGeminiHTTP(op string, status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var ge googleErrorResponse
	if json.Unmarshal(raw, &ge) == nil && strings.TrimSpace(ge.Error.Message) != "" {
		msg = strings.TrimSpace(ge.Error.Message)
	}
	err := fmt.Errorf("gemini http %d: %s", status, truncate(msg, 512))
	switch {
	case status == http.StatusTooManyRequests || ge.Error.Status == "RESOURCE_EXHAUSTED":
		return apierr.RateLimited(op, err.Error())
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.Auth(op, fmt.Sprintf("gemini rejected credentials (http %d)", status))
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(msg), "model") {
			return apierr.Validation(op, "unknown or inaccessible model: "+truncate(msg, 512))
		}
		return apierr.External(op, err)
	case status >= 500:
		return apierr.External(op, err)
	default:
		return apierr.Transport(op, err)
	}
}

func extractGeminiText(res generateContentResponse) string {
	var b strings.Builder
	for _, cand := range res.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				b.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
