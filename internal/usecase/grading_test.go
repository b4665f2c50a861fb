package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/internal/usecase"
)

// fakeResultCache is an in-memory ResultCache.
type fakeResultCache struct {
	entries map[string]domain.GradingVerdict
	puts    int
	gets    int
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{entries: make(map[string]domain.GradingVerdict)}
}

func (f *fakeResultCache) Get(_ domain.Context, fp string) (domain.GradingVerdict, bool, error) {
	f.gets++
	v, ok := f.entries[fp]
	if !ok {
		return domain.GradingVerdict{}, false, nil
	}
	v.Method = domain.MethodCache
	return v, true, nil
}

func (f *fakeResultCache) Put(_ domain.Context, fp string, v domain.GradingVerdict, _ time.Duration) error {
	f.puts++
	f.entries[fp] = v
	return nil
}

func (f *fakeResultCache) Stats(domain.Context) (domain.CacheStats, error) {
	return domain.CacheStats{}, nil
}

func (f *fakeResultCache) Clear(domain.Context) error {
	f.entries = map[string]domain.GradingVerdict{}
	return nil
}

// fakeEmbedGrader returns a fixed confidence/correctness per call. Grade is
// called from concurrent goroutines, hence the mutex around the counter.
type fakeEmbedGrader struct {
	confidence float64
	correct    bool
	err        error
	degraded   bool // emit a pattern-fallback verdict instead of embedding

	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedGrader) Grade(_ domain.Context, req domain.GradingRequest, _ domain.Complexity) (domain.GradingVerdict, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.GradingVerdict{}, f.err
	}
	method := domain.MethodEmbedding
	if f.degraded {
		method = domain.MethodFallbackPattern
	}
	points := 0.0
	if f.correct {
		points = req.PointsPossible
	}
	return domain.GradingVerdict{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      f.correct,
		PointsEarned:   points,
		Confidence:     f.confidence,
		Reasoning:      "similarity check",
		ReasoningDepth: domain.DepthShallow,
		Method:         method,
	}, nil
}

// fakeLLMGrader scripts the batch/single/escalation behavior.
type fakeLLMGrader struct {
	batchCalls   int
	singleCalls  int
	resolveCalls int
	batchFail    bool // emit zero-credit placeholders, as the real grader does
	singleErr    error
	resolved     []string
}

func (f *fakeLLMGrader) GradeBatch(_ domain.Context, reqs []domain.GradingRequest) []domain.GradingVerdict {
	f.batchCalls++
	out := make([]domain.GradingVerdict, 0, len(reqs))
	for _, r := range reqs {
		if f.batchFail {
			out = append(out, domain.GradingVerdict{
				QuestionNumber: r.QuestionNumber,
				Confidence:     0.1,
				Reasoning:      "automatic grading unavailable: provider down",
				Method:         domain.MethodFallbackPattern,
			})
			continue
		}
		out = append(out, domain.GradingVerdict{
			QuestionNumber: r.QuestionNumber,
			IsCorrect:      true,
			PointsEarned:   r.PointsPossible,
			Confidence:     0.9,
			Reasoning:      "llm batch verdict",
			ReasoningDepth: domain.DepthMedium,
			Method:         domain.MethodLLMBatch,
		})
	}
	return out
}

func (f *fakeLLMGrader) GradeSingle(_ domain.Context, req domain.GradingRequest) (domain.GradingVerdict, error) {
	f.singleCalls++
	if f.singleErr != nil {
		return domain.GradingVerdict{}, f.singleErr
	}
	return domain.GradingVerdict{
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      true,
		PointsEarned:   req.PointsPossible,
		Confidence:     0.88,
		Reasoning:      "llm single verdict",
		ReasoningDepth: domain.DepthMedium,
		Method:         domain.MethodLLMSingle,
	}, nil
}

func (f *fakeLLMGrader) ResolveSkills(_ domain.Context, req domain.EscalationRequest) (domain.EscalationResult, error) {
	f.resolveCalls++
	if len(f.resolved) == 0 {
		return domain.EscalationResult{}, errors.New("no resolution")
	}
	return domain.EscalationResult{MatchedSkills: f.resolved, PrimarySkill: f.resolved[0], Confidence: 0.8}, nil
}

func testConfig() config.Config {
	return config.Config{
		EmbedAcceptConfidence: 0.5,
		ResultCacheTTL:        time.Hour,
		SkillRecencyWeight:    0.3,
	}
}

func gradingReq(n int) domain.GradingRequest {
	return domain.GradingRequest{
		QuestionNumber:  n,
		QuestionText:    fmt.Sprintf("Explain concept %d in your own words, covering the key steps", n),
		StudentAnswer:   fmt.Sprintf("a reasonably detailed paraphrased answer to question %d", n),
		ReferenceAnswer: fmt.Sprintf("the model answer to question %d with all required detail", n),
		PointsPossible:  10,
	}
}

func TestGradeOne_Validation(t *testing.T) {
	t.Parallel()
	svc := usecase.NewGradingService(newFakeResultCache(), &fakeEmbedGrader{}, &fakeLLMGrader{}, nil, testConfig())

	cases := []struct {
		name string
		req  domain.GradingRequest
	}{
		{"missing question", domain.GradingRequest{StudentAnswer: "a", ReferenceAnswer: "b", PointsPossible: 1}},
		{"missing reference", domain.GradingRequest{QuestionText: "q", StudentAnswer: "a", PointsPossible: 1}},
		{"non-positive points", domain.GradingRequest{QuestionText: "q", StudentAnswer: "a", ReferenceAnswer: "b"}},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.GradeOne(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestGradeOne_EmbeddingAccepted(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	llm := &fakeLLMGrader{}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	v, err := svc.GradeOne(context.Background(), gradingReq(1))
	require.NoError(t, err)
	assert.Equal(t, domain.MethodEmbedding, v.Method)
	assert.True(t, v.IsCorrect)
	assert.Equal(t, domain.ComplexityMedium, v.Complexity, "verdict carries the routing tier")
	assert.Zero(t, llm.singleCalls, "confident embedding verdict must not reach the llm")
}

func TestGradeOne_LowConfidenceEscalatesToLLM(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.3, correct: false}
	llm := &fakeLLMGrader{}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	v, err := svc.GradeOne(context.Background(), gradingReq(1))
	require.NoError(t, err)
	assert.Equal(t, domain.MethodLLMSingle, v.Method)
	assert.Equal(t, 1, llm.singleCalls)
}

func TestGradeOne_LLMFailureKeepsEmbeddingVerdict(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.3, correct: false}
	llm := &fakeLLMGrader{singleErr: errors.New("provider down")}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	v, err := svc.GradeOne(context.Background(), gradingReq(1))
	require.NoError(t, err)
	assert.Equal(t, domain.MethodEmbedding, v.Method)
	assert.Equal(t, 0.3, v.Confidence)
}

func TestGradeOne_CacheHitShortCircuits(t *testing.T) {
	t.Parallel()
	cache := newFakeResultCache()
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	svc := usecase.NewGradingService(cache, embed, &fakeLLMGrader{}, nil, testConfig())

	req := gradingReq(1)
	first, err := svc.GradeOne(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.MethodEmbedding, first.Method)
	require.Equal(t, 1, cache.puts)

	second, err := svc.GradeOne(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodCache, second.Method)
	assert.Equal(t, first.PointsEarned, second.PointsEarned)
	assert.Equal(t, 1, embed.calls, "cache hit must not re-grade")
}

func TestGradeOne_ComplexHintForcesLLM(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.99, correct: true}
	llm := &fakeLLMGrader{}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	req := gradingReq(1)
	req.ComplexityHint = domain.ComplexityComplex
	v, err := svc.GradeOne(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodLLMSingle, v.Method)
	assert.Zero(t, embed.calls)
}

func TestGradeOne_DegradedVerdictNotCached(t *testing.T) {
	t.Parallel()
	cache := newFakeResultCache()
	embed := &fakeEmbedGrader{confidence: 0.4, degraded: true}
	llm := &fakeLLMGrader{singleErr: errors.New("provider down")}
	svc := usecase.NewGradingService(cache, embed, llm, nil, testConfig())

	v, err := svc.GradeOne(context.Background(), gradingReq(1))
	require.NoError(t, err)
	assert.Equal(t, domain.MethodFallbackPattern, v.Method)
	assert.Zero(t, cache.puts, "outage-shaped verdicts must not poison the cache")
}

func TestGradeQuestions_OneVerdictPerRequestInOrder(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, &fakeLLMGrader{}, nil, testConfig())

	reqs := []domain.GradingRequest{gradingReq(1), gradingReq(2), gradingReq(3)}
	verdicts, errNotes, err := svc.GradeQuestions(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, verdicts, 3)
	assert.Empty(t, errNotes)
	for i, v := range verdicts {
		assert.Equal(t, reqs[i].QuestionNumber, v.QuestionNumber)
		assert.NotEmpty(t, v.Method, "question %d has no verdict", reqs[i].QuestionNumber)
	}
}

func TestGradeQuestions_InvalidRequestGetsPlaceholderVerdict(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, &fakeLLMGrader{}, nil, testConfig())

	bad := domain.GradingRequest{QuestionNumber: 2} // no text, no reference
	verdicts, errNotes, err := svc.GradeQuestions(context.Background(), []domain.GradingRequest{gradingReq(1), bad})
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.Equal(t, domain.MethodEmbedding, verdicts[0].Method)
	assert.Equal(t, domain.MethodFallbackPattern, verdicts[1].Method)
	assert.False(t, verdicts[1].IsCorrect)
	require.NotEmpty(t, errNotes)
	assert.Contains(t, errNotes[0], "question 2")
}

func TestGradeQuestions_DemotedQuestionsShareOneBatchCall(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.2, correct: false} // below accept threshold
	llm := &fakeLLMGrader{}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	reqs := []domain.GradingRequest{gradingReq(1), gradingReq(2), gradingReq(3)}
	verdicts, _, err := svc.GradeQuestions(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 1, llm.batchCalls, "all demoted questions must share one batch call")
	for _, v := range verdicts {
		assert.Equal(t, domain.MethodLLMBatch, v.Method)
	}
}

func TestGradeQuestions_HeldVerdictSurvivesLLMFallback(t *testing.T) {
	t.Parallel()
	// Embedding answers with low confidence; the LLM batch then degrades to
	// zero-credit placeholders. The held embedding verdict must win.
	embed := &fakeEmbedGrader{confidence: 0.3, correct: true}
	llm := &fakeLLMGrader{batchFail: true}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	reqs := []domain.GradingRequest{gradingReq(1), gradingReq(2)}
	verdicts, errNotes, err := svc.GradeQuestions(context.Background(), reqs)
	require.NoError(t, err)
	for _, v := range verdicts {
		assert.Equal(t, domain.MethodEmbedding, v.Method)
		assert.True(t, v.IsCorrect)
	}
	assert.Empty(t, errNotes)
}

func TestGradeQuestions_DegradedVerdictsReportErrorNotes(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{err: errors.New("model not loaded")}
	llm := &fakeLLMGrader{batchFail: true}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	reqs := []domain.GradingRequest{gradingReq(1), gradingReq(2)}
	verdicts, errNotes, err := svc.GradeQuestions(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.Len(t, errNotes, 2)
	for _, note := range errNotes {
		assert.Contains(t, note, "degraded verdict")
	}
}

func TestGradeQuestions_CancelledContext(t *testing.T) {
	t.Parallel()
	svc := usecase.NewGradingService(newFakeResultCache(), &fakeEmbedGrader{confidence: 0.9, correct: true}, &fakeLLMGrader{}, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := svc.GradeQuestions(ctx, []domain.GradingRequest{gradingReq(1)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFinish_SingleSkillContextAutoAssigns(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	skills := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, &fakeLLMGrader{}, skills, testConfig())

	req := gradingReq(1)
	req.StudentID = "student-1"
	req.SkillContext = []string{"algebra"}
	v, err := svc.GradeOne(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"algebra"}, v.MatchedSkills)

	require.Len(t, repo.inserts, 1)
	assert.Equal(t, 100.0, repo.inserts[0].CurrentScore, "full credit should register as a perfect exercise score")
}

func TestFinish_AmbiguousSkillsEscalateToLLM(t *testing.T) {
	t.Parallel()
	embed := &fakeEmbedGrader{confidence: 0.9, correct: true}
	llm := &fakeLLMGrader{resolved: []string{"algebra"}}
	svc := usecase.NewGradingService(newFakeResultCache(), embed, llm, nil, testConfig())

	req := gradingReq(1)
	req.SkillContext = []string{"algebra", "word-problems"}
	v, err := svc.GradeOne(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, llm.resolveCalls)
	assert.Equal(t, []string{"algebra"}, v.MatchedSkills)
}
