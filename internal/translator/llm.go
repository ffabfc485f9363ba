package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/resilience"
	"github.com/sudzxd/live-translator/internal/trace"
)

const (
	llmTemperature = 0.1
	llmMaxTokens   = 512
	llmHTTPTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

// LLMConfig configures an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	URL    string
	APIKey string
	Model  string
	Title  string // sent as X-Title for OpenRouter attribution
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// LLM translates through a hosted language model.
type LLM struct {
	cfg     LLMConfig
	client  *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// NewLLM creates an LLM translator. A nil client uses a default with a
// conservative timeout.
func NewLLM(cfg LLMConfig, client *http.Client) *LLM {
	if client == nil {
		client = &http.Client{Timeout: llmHTTPTimeout}
	}
	return &LLM{
		cfg:     cfg,
		client:  client,
		breaker: resilience.New("llm-translate", resilience.TranslationConfig()),
		retry:   resilience.HTTPRetryConfig(),
	}
}

// WithRetry replaces the retry policy.
func (l *LLM) WithRetry(cfg resilience.RetryConfig) *LLM {
	l.retry = cfg
	return l
}

// Translate implements Translator.
func (l *LLM) Translate(ctx context.Context, text, source, target string) (string, error) {
	req := chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(source, target)},
			{Role: "user", Content: text},
		},
		Temperature: llmTemperature,
		MaxTokens:   llmMaxTokens,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Internal, "encode chat request")
	}

	return resilience.Guarded(ctx, l.breaker, l.retry, func(ctx context.Context) (string, error) {
		return l.do(ctx, body)
	})
}

func (l *LLM) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ConfigInvalid, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	if l.cfg.Title != "" {
		httpReq.Header.Set("X-Title", l.cfg.Title)
	}
	trace.Inject(ctx, httpReq.Header)

	resp, err := l.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.Wrap(err, apperrors.Unavailable, "chat request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", statusError(resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Wrap(err, apperrors.TranslateFailed, "decode chat response")
	}
	if out.Error != nil {
		return "", apperrors.New(apperrors.TranslateFailed, out.Error.Message).WithMetadata("type", out.Error.Type)
	}
	if len(out.Choices) == 0 {
		return "", apperrors.New(apperrors.TranslateFailed, "no choices in chat response")
	}
	translated := strings.TrimSpace(out.Choices[0].Message.Content)
	if translated == "" {
		return "", apperrors.New(apperrors.TranslateFailed, "empty translation")
	}
	return translated, nil
}

func statusError(code int, body []byte) error {
	var c apperrors.Code
	switch {
	case code == http.StatusTooManyRequests:
		c = apperrors.RateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		c = apperrors.Timeout
	case code >= 500:
		c = apperrors.Unavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		c = apperrors.ConfigInvalid
	default:
		c = apperrors.TranslateFailed
	}
	return apperrors.Newf(c, "chat endpoint returned %d", code).
		WithMetadata("body", strings.TrimSpace(string(body)))
}

func systemPrompt(source, target string) string {
	return fmt.Sprintf(
		"Translate the user's text from %s to %s. The text was read from a screen by OCR "+
			"and may be a fragment. Reply with the translation only, without quotes, notes or explanations.",
		DisplayName(source), DisplayName(target))
}
