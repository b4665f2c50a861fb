// Package ai provides the remote AI clients and grading adapters used by the
// pipeline: the HTTP chat/embedding client, the embedding-similarity grader,
// and the LLM grader with its prompt builders and response parsing.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// Client implements domain.AIClient (chat completions) and
// domain.EmbeddingProvider (embeddings) against OpenAI-compatible APIs.
type Client struct {
	cfg     config.Config
	chatHC  *http.Client
	embedHC *http.Client
}

// NewClient constructs a client with bounded request timeouts. A timeout is
// treated identically to any other error for circuit-breaker accounting.
func NewClient(cfg config.Config) *Client {
	chatTimeout := 60 * time.Second
	embedTimeout := 30 * time.Second
	if cfg.IsTest() {
		chatTimeout = 5 * time.Second
		embedTimeout = 5 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("AI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		cfg:     cfg,
		chatHC:  &http.Client{Timeout: chatTimeout, Transport: transport},
		embedHC: &http.Client{Timeout: embedTimeout, Transport: transport},
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// ChatJSON calls chat completions with the default grader model.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	return c.ChatJSONModel(ctx, c.cfg.GraderModel, systemPrompt, userPrompt, maxTokens)
}

// ChatJSONModel calls chat completions with a specific model and returns the
// message content. Retries transient failures with exponential backoff.
func (c *Client) ChatJSONModel(ctx domain.Context, model, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("%w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}

	body := map[string]any{
		"model":       model,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	rateLimited := false
	op := func() error {
		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.chatHC.Do(r)
		observability.AIRequestsTotal.WithLabelValues("llm", "chat").Inc()
		observability.AIRequestDuration.WithLabelValues("llm", "chat").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimited = true
			slog.Warn("ai provider rate limited",
				slog.String("provider", "llm"),
				slog.String("model", model),
				slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client error: non-retryable
			slog.Warn("ai provider 4xx",
				slog.String("provider", "llm"),
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// 5xx and others: retryable
			slog.Error("ai provider non-2xx",
				slog.String("provider", "llm"),
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			slog.Error("ai provider decode error",
				slog.String("provider", "llm"),
				slog.String("model", model),
				slog.Any("error", err))
			return err
		}
		return nil
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if rateLimited {
			return "", fmt.Errorf("op=ai.chat: %w: %v", domain.ErrUpstreamRateLimit, err)
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "", fmt.Errorf("op=ai.chat: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("op=ai.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=ai.chat: empty choices from provider")
	}
	return out.Choices[0].Message.Content, nil
}

// Embed calls the embeddings endpoint and returns one vector per input text.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.EmbeddingsAPIKey == "" {
		return nil, fmt.Errorf("%w: EMBEDDINGS_API_KEY missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"model": c.cfg.EmbeddingsModel,
		"input": texts,
	}
	b, _ := json.Marshal(body)

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EmbeddingsBaseURL+"/embeddings", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.EmbeddingsAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.embedHC.Do(r)
		observability.AIRequestsTotal.WithLabelValues("embeddings", "embed").Inc()
		observability.AIRequestDuration.WithLabelValues("embeddings", "embed").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("embeddings status %d: %s", resp.StatusCode, snippet(bodyBytes, 256)))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("embeddings status %d", resp.StatusCode)
		}
		return json.Unmarshal(bodyBytes, &out)
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=ai.embed: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("op=ai.embed: got %d vectors for %d texts", len(out.Data), len(texts))
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
