// Package cache provides the Redis-backed content-addressed verdict cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/pkg/textx"
)

const (
	entryPrefix     = "grader:verdict:"
	statsKey        = "grader:stats"
	skillHitsKey    = "grader:stats:skills"
	methodHitsKey   = "grader:stats:methods"
	fieldHits       = "hits"
	fieldMisses     = "misses"
	fieldSavingsUSD = "savings_usd"
)

// ResultCache stores grading verdicts in Redis keyed by fingerprint.
// Hit bookkeeping is read-modify-write without locking; a lost increment
// under race is acceptable (statistics only).
type ResultCache struct {
	rdb          *redis.Client
	ttl          time.Duration
	costPerEmbed float64
	costPerLLM   float64
}

// New constructs a ResultCache from a Redis URL.
func New(redisURL string, ttl time.Duration, costPerEmbed, costPerLLM float64) (*ResultCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=cache.new: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), ttl, costPerEmbed, costPerLLM), nil
}

// NewWithClient constructs a ResultCache around an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration, costPerEmbed, costPerLLM float64) *ResultCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ResultCache{rdb: rdb, ttl: ttl, costPerEmbed: costPerEmbed, costPerLLM: costPerLLM}
}

// Fingerprint derives the cache key from the semantically relevant request
// fields. Both answers are normalized so cosmetically different but
// semantically identical requests share a cache line; skill tags are sorted
// so their order does not matter.
func Fingerprint(questionText, studentAnswer, referenceAnswer string, skillContext []string) string {
	skills := make([]string, 0, len(skillContext))
	for _, s := range skillContext {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			skills = append(skills, s)
		}
	}
	sort.Strings(skills)

	h := sha256.New()
	for _, part := range []string{
		textx.NormalizeAnswer(questionText),
		textx.NormalizeAnswer(studentAnswer),
		textx.NormalizeAnswer(referenceAnswer),
		strings.Join(skills, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached verdict for the fingerprint, if present and not
// expired. The returned verdict reports MethodCache; the entry's original
// method drives the savings estimate.
func (c *ResultCache) Get(ctx domain.Context, fingerprint string) (domain.GradingVerdict, bool, error) {
	raw, err := c.rdb.Get(ctx, entryPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		c.rdb.HIncrBy(ctx, statsKey, fieldMisses, 1)
		observability.CacheMissesTotal.Inc()
		return domain.GradingVerdict{}, false, nil
	}
	if err != nil {
		return domain.GradingVerdict{}, false, fmt.Errorf("op=cache.get: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Treat a corrupt entry as a miss and drop it.
		slog.Warn("dropping corrupt cache entry", slog.String("fingerprint", fingerprint), slog.Any("error", err))
		c.rdb.Del(ctx, entryPrefix+fingerprint)
		c.rdb.HIncrBy(ctx, statsKey, fieldMisses, 1)
		observability.CacheMissesTotal.Inc()
		return domain.GradingVerdict{}, false, nil
	}
	if !entry.ExpiresAt.IsZero() && !time.Now().Before(entry.ExpiresAt) {
		c.rdb.Del(ctx, entryPrefix+fingerprint)
		c.rdb.HIncrBy(ctx, statsKey, fieldMisses, 1)
		observability.CacheMissesTotal.Inc()
		return domain.GradingVerdict{}, false, nil
	}

	entry.AccessCount++
	entry.LastAccessedAt = time.Now().UTC()
	if updated, err := json.Marshal(entry); err == nil {
		c.rdb.Set(ctx, entryPrefix+fingerprint, updated, redis.KeepTTL)
	}

	saved := c.unitCost(entry.Verdict.Method)
	c.rdb.HIncrBy(ctx, statsKey, fieldHits, 1)
	c.rdb.HIncrByFloat(ctx, statsKey, fieldSavingsUSD, saved)
	c.rdb.HIncrBy(ctx, methodHitsKey, string(entry.Verdict.Method), 1)
	for _, skill := range entry.Verdict.MatchedSkills {
		c.rdb.HIncrBy(ctx, skillHitsKey, skill, 1)
	}
	observability.CacheHitsTotal.Inc()
	observability.CacheSavingsUSD.Add(saved)

	v := entry.Verdict
	v.Method = domain.MethodCache
	return v, true, nil
}

// Put stores a verdict under the fingerprint with the given TTL (the
// configured default when ttl <= 0).
func (c *ResultCache) Put(ctx domain.Context, fingerprint string, v domain.GradingVerdict, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now().UTC()
	entry := domain.CacheEntry{
		Fingerprint: fingerprint,
		Verdict:     v,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	if err := c.rdb.Set(ctx, entryPrefix+fingerprint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	return nil
}

// Stats aggregates hit bookkeeping.
func (c *ResultCache) Stats(ctx domain.Context) (domain.CacheStats, error) {
	vals, err := c.rdb.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("op=cache.stats: %w", err)
	}
	var stats domain.CacheStats
	stats.Hits = parseInt64(vals[fieldHits])
	stats.Misses = parseInt64(vals[fieldMisses])
	stats.SavingsUSD = parseFloat64(vals[fieldSavingsUSD])
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	if skillHits, err := c.rdb.HGetAll(ctx, skillHitsKey).Result(); err == nil && len(skillHits) > 0 {
		stats.PerSkillHits = make(map[string]int64, len(skillHits))
		for k, v := range skillHits {
			stats.PerSkillHits[k] = parseInt64(v)
		}
	}
	if methodHits, err := c.rdb.HGetAll(ctx, methodHitsKey).Result(); err == nil && len(methodHits) > 0 {
		stats.PerMethodHits = make(map[string]int64, len(methodHits))
		for k, v := range methodHits {
			stats.PerMethodHits[k] = parseInt64(v)
		}
	}
	return stats, nil
}

// Clear removes all cached verdicts and statistics.
func (c *ResultCache) Clear(ctx domain.Context) error {
	iter := c.rdb.Scan(ctx, 0, entryPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("op=cache.clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("op=cache.clear: %w", err)
	}
	if err := c.rdb.Del(ctx, statsKey, skillHitsKey, methodHitsKey).Err(); err != nil {
		return fmt.Errorf("op=cache.clear: %w", err)
	}
	slog.Info("result cache cleared")
	return nil
}

// Ping checks connectivity for readiness probes.
func (c *ResultCache) Ping(ctx domain.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// unitCost estimates the avoided spend for a hit on a verdict produced by
// the given method.
func (c *ResultCache) unitCost(m domain.GradeMethod) float64 {
	switch m {
	case domain.MethodEmbedding:
		return c.costPerEmbed
	case domain.MethodLLMBatch, domain.MethodLLMSingle, domain.MethodLLMEscalated:
		return c.costPerLLM
	default:
		return 0
	}
}

func parseInt64(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func parseFloat64(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}
