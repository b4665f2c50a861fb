// Package tokencount provides token counting for LLM prompt budgeting.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library, so
// batch prompts can be truncated to a token ceiling before dispatch.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// getEncodingForModel returns the appropriate tiktoken encoding for a model,
// caching encodings for performance.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// Fall back to cl100k_base, used by most modern models
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// CountTokens returns the token count of text for model. On encoder failure
// it falls back to a character-based estimate so budgeting never errors.
func (c *Counter) CountTokens(model, text string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		// ~4 chars per token is a reasonable approximation for English
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// TruncateToBudget trims text so it fits within maxTokens for model. The cut
// is approximate: it backs off proportionally and re-checks once.
func (c *Counter) TruncateToBudget(model, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	n := c.CountTokens(model, text)
	if n <= maxTokens {
		return text
	}
	ratio := float64(maxTokens) / float64(n)
	cut := int(float64(len(text)) * ratio)
	if cut < 0 {
		cut = 0
	}
	if cut > len(text) {
		cut = len(text)
	}
	truncated := text[:cut]
	for c.CountTokens(model, truncated) > maxTokens && len(truncated) > 0 {
		next := len(truncated) * 9 / 10
		truncated = truncated[:next]
	}
	return truncated
}

// normalizeModelName strips provider prefixes like "openai/" so tiktoken can
// resolve the underlying model family.
func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx < len(model)-1 {
		return model[idx+1:]
	}
	return model
}
