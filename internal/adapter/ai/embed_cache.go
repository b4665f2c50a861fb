package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// embedCacheProvider wraps an EmbeddingProvider and caches vectors by text
// hash with a TTL and bounded size (oldest-first eviction). Safe for
// concurrent use.

type cachedVec struct {
	vec       []float32
	expiresAt time.Time
}

type embedCacheProvider struct {
	base     domain.EmbeddingProvider
	capacity int
	ttl      time.Duration
	mu       sync.RWMutex
	m        map[string]cachedVec
	ord      []string
}

// NewEmbedCache wraps base with an embedding cache of given capacity and TTL.
// If capacity <= 0, base is returned unmodified.
func NewEmbedCache(base domain.EmbeddingProvider, capacity int, ttl time.Duration) domain.EmbeddingProvider {
	if capacity <= 0 || base == nil {
		return base
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &embedCacheProvider{
		base:     base,
		capacity: capacity,
		ttl:      ttl,
		m:        make(map[string]cachedVec),
		ord:      make([]string, 0, capacity),
	}
}

func (c *embedCacheProvider) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, len(texts))
	missIdx := make([]int, 0)
	missTexts := make([]string, 0)
	now := time.Now()
	for i, t := range texts {
		k := embedKeyFor(t)
		c.mu.RLock()
		v, ok := c.m[k]
		c.mu.RUnlock()
		if ok && now.Before(v.expiresAt) {
			res[i] = v.vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missIdx) > 0 {
		vecs, err := c.base.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			res[idx] = vecs[j]
			c.put(missTexts[j], vecs[j])
		}
	}
	return res, nil
}

func (c *embedCacheProvider) put(text string, vec []float32) {
	k := embedKeyFor(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := time.Now().Add(c.ttl)
	if _, exists := c.m[k]; exists {
		c.m[k] = cachedVec{vec: vec, expiresAt: expires}
		return
	}
	if len(c.ord) >= c.capacity {
		old := c.ord[0]
		c.ord = c.ord[1:]
		delete(c.m, old)
	}
	c.m[k] = cachedVec{vec: vec, expiresAt: expires}
	c.ord = append(c.ord, k)
}

func embedKeyFor(text string) string {
	s := strings.TrimSpace(text)
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
