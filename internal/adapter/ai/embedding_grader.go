package ai

import (
	"fmt"
	"math"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/pkg/textx"
)

// Similarity thresholds by estimated question complexity. Simple questions
// demand a tighter match; complex ones tolerate more paraphrase.
const (
	thresholdSimple  = 0.80
	thresholdDefault = 0.75
	thresholdComplex = 0.70
)

// EmbeddingGrader grades by cosine similarity between the normalized student
// and reference answers. The provider and breaker are process-wide, owned by
// the caller and injected here.
type EmbeddingGrader struct {
	provider domain.EmbeddingProvider
	breaker  *observability.CircuitBreaker
}

// NewEmbeddingGrader constructs the grader around a (typically lazy, cached)
// provider and its dedicated circuit breaker.
func NewEmbeddingGrader(provider domain.EmbeddingProvider, breaker *observability.CircuitBreaker) *EmbeddingGrader {
	return &EmbeddingGrader{provider: provider, breaker: breaker}
}

// Grade computes a verdict for one request. On provider failure (model load,
// inference, or open breaker) it falls back to pattern matching with reduced
// confidence and surfaces the originating error in the reasoning.
func (g *EmbeddingGrader) Grade(ctx domain.Context, req domain.GradingRequest, complexity domain.Complexity) (domain.GradingVerdict, error) {
	student := textx.NormalizeAnswer(req.StudentAnswer)
	reference := textx.NormalizeAnswer(req.ReferenceAnswer)

	if student == "" {
		return g.verdict(req, false, 1.0, "student answer is empty", domain.MethodEmbedding), nil
	}
	if student == reference {
		return g.verdict(req, true, 0.98, "answers are identical after normalization", domain.MethodEmbedding), nil
	}

	var sim float64
	err := g.breaker.Execute(ctx, func(ctx domain.Context) error {
		vecs, err := g.provider.Embed(ctx, []string{student, reference})
		if err != nil {
			return err
		}
		if len(vecs) != 2 {
			return fmt.Errorf("expected 2 vectors, got %d", len(vecs))
		}
		sim = cosineSimilarity(vecs[0], vecs[1])
		return nil
	})
	if err != nil {
		slog.Warn("embedding grading failed, using pattern fallback",
			slog.String("question_id", req.QuestionID),
			slog.Any("error", err))
		return g.patternFallback(req, err), nil
	}

	threshold := thresholdFor(complexity)
	correct := sim >= threshold
	conf := confidenceFromSimilarity(sim, threshold)
	reasoning := fmt.Sprintf("embedding similarity %.3f against threshold %.2f (%s complexity)", sim, threshold, complexity)
	return g.verdict(req, correct, conf, reasoning, domain.MethodEmbedding), nil
}

func (g *EmbeddingGrader) verdict(req domain.GradingRequest, correct bool, confidence float64, reasoning string, method domain.GradeMethod) domain.GradingVerdict {
	points := 0.0
	if correct {
		points = req.PointsPossible
	}
	v := domain.GradingVerdict{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      correct,
		PointsEarned:   points,
		Confidence:     confidence,
		Reasoning:      reasoning,
		ReasoningDepth: domain.DepthShallow,
		Method:         method,
		CreatedAt:      time.Now().UTC(),
	}
	v.Clamp(req.PointsPossible)
	return v
}

// patternFallback downgrades to exact / case-insensitive / substring
// matching when the model is unavailable. Confidence never exceeds 0.6.
func (g *EmbeddingGrader) patternFallback(req domain.GradingRequest, cause error) domain.GradingVerdict {
	rawStudent := strings.TrimSpace(req.StudentAnswer)
	rawReference := strings.TrimSpace(req.ReferenceAnswer)
	student := textx.NormalizeAnswer(req.StudentAnswer)
	reference := textx.NormalizeAnswer(req.ReferenceAnswer)

	var correct bool
	var conf float64
	var match string
	switch {
	case rawStudent != "" && rawStudent == rawReference:
		correct, conf, match = true, 0.6, "exact match"
	case student != "" && student == reference:
		correct, conf, match = true, 0.55, "case-insensitive match"
	case len(student) >= 3 && (strings.Contains(reference, student) || strings.Contains(student, reference)):
		correct, conf, match = true, 0.45, "substring match"
	default:
		correct, conf, match = false, 0.4, "no pattern match"
	}
	reasoning := fmt.Sprintf("pattern fallback (%s); embedding unavailable: %v", match, cause)
	return g.verdict(req, correct, conf, reasoning, domain.MethodFallbackPattern)
}

func thresholdFor(c domain.Complexity) float64 {
	switch c {
	case domain.ComplexitySimple:
		return thresholdSimple
	case domain.ComplexityComplex:
		return thresholdComplex
	default:
		return thresholdDefault
	}
}

// confidenceFromSimilarity maps similarity to confidence, monotonic in sim.
// Very high similarity approaches 0.98; below-threshold similarity scales
// down with a floor of 0.1.
func confidenceFromSimilarity(sim, threshold float64) float64 {
	switch {
	case sim >= 0.95:
		return 0.98
	case sim >= threshold:
		return 0.70 + (sim-threshold)/(0.95-threshold)*0.25
	default:
		c := sim / threshold * 0.6
		if c < 0.1 {
			c = 0.1
		}
		return c
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
