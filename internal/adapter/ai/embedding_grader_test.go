package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// fakeEmbedder returns canned vectors, or an error, and counts calls.
type fakeEmbedder struct {
	vecs  [][]float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.vecs != nil {
		return f.vecs, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestEmbeddingGrader(p domain.EmbeddingProvider) *EmbeddingGrader {
	return NewEmbeddingGrader(p, observability.NewCircuitBreaker("embed-test", 100, time.Minute))
}

func embedReq(student, reference string) domain.GradingRequest {
	return domain.GradingRequest{
		QuestionNumber:  1,
		QuestionText:    "What is the capital of France?",
		StudentAnswer:   student,
		ReferenceAnswer: reference,
		PointsPossible:  5,
	}
}

func TestEmbeddingGrader_IdenticalAnswersShortCircuit(t *testing.T) {
	provider := &fakeEmbedder{}
	g := newTestEmbeddingGrader(provider)

	v, err := g.Grade(context.Background(), embedReq("Paris", "Paris"), domain.ComplexitySimple)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if !v.IsCorrect {
		t.Fatal("identical answers must grade correct")
	}
	if v.Confidence < 0.95 {
		t.Fatalf("confidence = %v, want >= 0.95", v.Confidence)
	}
	if v.Method != domain.MethodEmbedding {
		t.Fatalf("method = %q, want embedding", v.Method)
	}
	if v.PointsEarned != 5 {
		t.Fatalf("points = %v, want full credit", v.PointsEarned)
	}
	if provider.calls != 0 {
		t.Fatalf("provider called %d times; identical answers should not embed", provider.calls)
	}
}

func TestEmbeddingGrader_NormalizationBeforeComparison(t *testing.T) {
	g := newTestEmbeddingGrader(&fakeEmbedder{})

	v, err := g.Grade(context.Background(), embedReq("  PARIS!! ", "paris"), domain.ComplexitySimple)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if !v.IsCorrect || v.Confidence < 0.95 {
		t.Fatalf("cosmetic variants should short-circuit: %+v", v)
	}
}

func TestEmbeddingGrader_EmptyStudentAnswer(t *testing.T) {
	provider := &fakeEmbedder{}
	g := newTestEmbeddingGrader(provider)

	v, err := g.Grade(context.Background(), embedReq("   ", "Paris"), domain.ComplexityMedium)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if v.IsCorrect {
		t.Fatal("empty answer must be incorrect")
	}
	if v.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0 (nothing ambiguous about a blank)", v.Confidence)
	}
	if v.PointsEarned != 0 {
		t.Fatalf("points = %v, want 0", v.PointsEarned)
	}
	if provider.calls != 0 {
		t.Fatal("provider should not be called for an empty answer")
	}
}

func TestEmbeddingGrader_SimilarityAgainstThreshold(t *testing.T) {
	cases := []struct {
		name        string
		vecs        [][]float32
		complexity  domain.Complexity
		wantCorrect bool
	}{
		// cos = 1.0: above every threshold
		{"identical vectors simple", [][]float32{{1, 0}, {1, 0}}, domain.ComplexitySimple, true},
		// cos ~= 0.707: below all thresholds
		{"orthogonal-ish medium", [][]float32{{1, 0}, {1, 1}}, domain.ComplexityMedium, false},
		// cos ~= 0.97: passes even the strict simple threshold
		{"near match simple", [][]float32{{1, 0.25}, {1, 0}}, domain.ComplexitySimple, true},
		// cos ~= 0.74: fails medium (0.75) but passes complex (0.70)
		{"borderline complex", [][]float32{{1, 0.9}, {1, 0}}, domain.ComplexityComplex, true},
		{"borderline medium", [][]float32{{1, 0.9}, {1, 0}}, domain.ComplexityMedium, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestEmbeddingGrader(&fakeEmbedder{vecs: tt.vecs})
			v, err := g.Grade(context.Background(), embedReq("student phrasing", "reference phrasing"), tt.complexity)
			if err != nil {
				t.Fatalf("grade: %v", err)
			}
			if v.IsCorrect != tt.wantCorrect {
				t.Fatalf("correct = %v, want %v (reasoning: %s)", v.IsCorrect, tt.wantCorrect, v.Reasoning)
			}
			if v.Confidence < 0 || v.Confidence > 1 {
				t.Fatalf("confidence %v out of range", v.Confidence)
			}
		})
	}
}

func TestEmbeddingGrader_ProviderFailureFallsBackToPatterns(t *testing.T) {
	g := newTestEmbeddingGrader(&fakeEmbedder{err: errors.New("model not loaded")})

	cases := []struct {
		name        string
		student     string
		reference   string
		wantCorrect bool
		wantConf    float64
	}{
		{"substring", "photosynthesis", "the process of photosynthesis", true, 0.45},
		{"no match", "mitochondria", "chlorophyll", false, 0.4},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			v, err := g.Grade(context.Background(), embedReq(tt.student, tt.reference), domain.ComplexityMedium)
			if err != nil {
				t.Fatalf("grade: %v", err)
			}
			if v.Method != domain.MethodFallbackPattern {
				t.Fatalf("method = %q, want fallback-pattern", v.Method)
			}
			if v.IsCorrect != tt.wantCorrect {
				t.Fatalf("correct = %v, want %v", v.IsCorrect, tt.wantCorrect)
			}
			if v.Confidence != tt.wantConf {
				t.Fatalf("confidence = %v, want %v", v.Confidence, tt.wantConf)
			}
			if !strings.Contains(v.Reasoning, "model not loaded") {
				t.Fatalf("reasoning does not surface cause: %q", v.Reasoning)
			}
		})
	}
}

func TestPatternFallback_MatchLadder(t *testing.T) {
	g := newTestEmbeddingGrader(&fakeEmbedder{})
	cause := errors.New("embedding unavailable")

	cases := []struct {
		name        string
		student     string
		reference   string
		wantCorrect bool
		wantConf    float64
	}{
		{"exact", "H2O", "H2O", true, 0.6},
		{"case-insensitive", "h2o", "H2O", true, 0.55},
		{"substring", "photosynthesis", "the process of photosynthesis", true, 0.45},
		{"no match", "mitochondria", "chlorophyll", false, 0.4},
		{"short substrings ignored", "a", "a very long answer", false, 0.4},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			v := g.patternFallback(embedReq(tt.student, tt.reference), cause)
			if v.Method != domain.MethodFallbackPattern {
				t.Fatalf("method = %q, want fallback-pattern", v.Method)
			}
			if v.IsCorrect != tt.wantCorrect {
				t.Fatalf("correct = %v, want %v", v.IsCorrect, tt.wantCorrect)
			}
			if v.Confidence != tt.wantConf {
				t.Fatalf("confidence = %v, want %v", v.Confidence, tt.wantConf)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("cos = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfidenceFromSimilarity_Monotonicity(t *testing.T) {
	threshold := 0.75
	prev := -1.0
	for sim := 0.0; sim <= 1.0; sim += 0.05 {
		c := confidenceFromSimilarity(sim, threshold)
		if c < 0.1 || c > 0.98 {
			t.Fatalf("confidence %v at sim %v out of expected band", c, sim)
		}
		if c < prev {
			t.Fatalf("confidence not monotonic at sim %v: %v < %v", sim, c, prev)
		}
		prev = c
	}
}
