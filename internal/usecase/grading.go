// Package usecase contains the grading orchestration services.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/cache"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// GradingService evaluates answers through an ordered ladder of strategies:
// result cache, embedding similarity, batched LLM, single-question LLM, and
// finally the pattern fallback. Each step hands off to the next only on its
// defined trigger so the transitions stay independently testable.
type GradingService struct {
	Cache    domain.ResultCache
	Embedder domain.EmbeddingGrader
	LLM      domain.LLMGrader
	Skills   *SkillScoreAggregator
	Cfg      config.Config
}

// NewGradingService constructs a GradingService with its collaborators.
func NewGradingService(rc domain.ResultCache, emb domain.EmbeddingGrader, llm domain.LLMGrader, skills *SkillScoreAggregator, cfg config.Config) *GradingService {
	return &GradingService{Cache: rc, Embedder: emb, LLM: llm, Skills: skills, Cfg: cfg}
}

// GradeOne grades a single question through the strategy ladder.
func (s *GradingService) GradeOne(ctx domain.Context, req domain.GradingRequest) (domain.GradingVerdict, error) {
	if err := validateRequest(req); err != nil {
		return domain.GradingVerdict{}, err
	}
	start := time.Now()

	fp := cache.Fingerprint(req.QuestionText, req.StudentAnswer, req.ReferenceAnswer, req.SkillContext)
	if v, ok := s.cacheGet(ctx, fp); ok {
		v.QuestionID = req.QuestionID
		v.QuestionNumber = req.QuestionNumber
		s.finish(ctx, req, &v, start)
		return v, nil
	}

	v := s.gradeUncached(ctx, req)
	s.cachePut(ctx, fp, v)
	s.finish(ctx, req, &v, start)
	return v, nil
}

// GradeQuestions grades a slice of questions, cache first, then embedding
// concurrently, then one batched LLM call for the remainder. It returns
// exactly one verdict per request, in order, plus per-question error notes.
// A non-nil error only reports request-level interruption (cancellation).
func (s *GradingService) GradeQuestions(ctx domain.Context, reqs []domain.GradingRequest) ([]domain.GradingVerdict, []string, error) {
	if len(reqs) == 0 {
		return nil, nil, nil
	}
	start := time.Now()
	verdicts := make([]domain.GradingVerdict, len(reqs))
	fps := make([]string, len(reqs))
	var errNotes []string

	// Cache pass and routing partition.
	var embedIdx, llmIdx []int
	for i, req := range reqs {
		if err := validateRequest(req); err != nil {
			verdicts[i] = invalidVerdict(req, err)
			errNotes = append(errNotes, fmt.Sprintf("question %d: %v", req.QuestionNumber, err))
			continue
		}
		fps[i] = cache.Fingerprint(req.QuestionText, req.StudentAnswer, req.ReferenceAnswer, req.SkillContext)
		if v, ok := s.cacheGet(ctx, fps[i]); ok {
			v.QuestionID = req.QuestionID
			v.QuestionNumber = req.QuestionNumber
			verdicts[i] = v
			continue
		}
		if s.routeFor(reqs[i]).UseEmbedding {
			embedIdx = append(embedIdx, i)
		} else {
			llmIdx = append(llmIdx, i)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("grade questions: %w", err)
	}

	// Embedding pass. Questions grade concurrently; each goroutine writes
	// only its own slot so there is no shared scratch state across
	// questions.
	type demotion struct{ idx int }
	demoted := make(chan demotion, len(embedIdx))
	var wg sync.WaitGroup
	for _, i := range embedIdx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := reqs[i]
			v, err := s.Embedder.Grade(ctx, req, s.routeFor(req).Complexity)
			if err == nil && v.Method == domain.MethodEmbedding && v.Confidence >= s.Cfg.EmbedAcceptConfidence {
				verdicts[i] = v
				return
			}
			// Low-confidence or degraded: hold the embedding verdict as a
			// floor and let the LLM pass try to do better.
			verdicts[i] = v
			if err != nil {
				verdicts[i] = domain.GradingVerdict{}
			}
			demoted <- demotion{idx: i}
		}(i)
	}
	wg.Wait()
	close(demoted)
	for d := range demoted {
		llmIdx = append(llmIdx, d.idx)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("grade questions: %w", err)
	}

	// LLM pass: one batched call for everything still unresolved.
	if len(llmIdx) > 0 {
		llmReqs := make([]domain.GradingRequest, len(llmIdx))
		for k, i := range llmIdx {
			llmReqs[k] = reqs[i]
		}
		batch := s.LLM.GradeBatch(ctx, llmReqs)
		for k, i := range llmIdx {
			v := batch[k]
			if v.Method == domain.MethodFallbackPattern && verdicts[i].Method != "" {
				// LLM degraded: the held embedding or pattern verdict is
				// better than a zero-credit placeholder.
				continue
			}
			verdicts[i] = v
		}
	}

	// Finalize: cache, skills, metrics, error notes.
	for i := range reqs {
		if verdicts[i].Method == "" {
			verdicts[i] = invalidVerdict(reqs[i], fmt.Errorf("%w: no strategy produced a verdict", domain.ErrInternal))
		}
		if verdicts[i].Method == domain.MethodFallbackPattern {
			errNotes = append(errNotes, fmt.Sprintf("question %d: degraded verdict (%s)", reqs[i].QuestionNumber, verdicts[i].Reasoning))
		}
		if fps[i] != "" {
			s.cachePut(ctx, fps[i], verdicts[i])
		}
		s.finish(ctx, reqs[i], &verdicts[i], start)
	}
	return verdicts, errNotes, nil
}

// gradeUncached runs the post-cache strategy ladder for one question.
func (s *GradingService) gradeUncached(ctx domain.Context, req domain.GradingRequest) domain.GradingVerdict {
	route := s.routeFor(req)

	if route.UseEmbedding {
		v, err := s.Embedder.Grade(ctx, req, route.Complexity)
		if err == nil && v.Method == domain.MethodEmbedding && v.Confidence >= s.Cfg.EmbedAcceptConfidence {
			return v
		}
		lv, lerr := s.LLM.GradeSingle(ctx, req)
		if lerr == nil {
			return lv
		}
		observability.LoggerFromContext(ctx).Warn("llm escalation failed, keeping embedding verdict",
			slog.Int("question_number", req.QuestionNumber),
			slog.Any("error", lerr))
		if err == nil {
			return v
		}
		return invalidVerdict(req, err)
	}

	lv, lerr := s.LLM.GradeSingle(ctx, req)
	if lerr == nil {
		return lv
	}
	observability.LoggerFromContext(ctx).Warn("llm grading failed, falling back to embedding",
		slog.Int("question_number", req.QuestionNumber),
		slog.Any("error", lerr))
	v, err := s.Embedder.Grade(ctx, req, route.Complexity)
	if err != nil {
		return invalidVerdict(req, err)
	}
	return v
}

// routeFor applies the routing heuristic, honoring an explicit complexity
// hint from the caller.
func (s *GradingService) routeFor(req domain.GradingRequest) RouteDecision {
	d := DecideRoute(req.StudentAnswer, req.ReferenceAnswer)
	switch req.ComplexityHint {
	case domain.ComplexityComplex:
		d.Complexity = domain.ComplexityComplex
		d.UseEmbedding = false
		d.Reason = "caller hint: complex"
	case domain.ComplexitySimple, domain.ComplexityMedium:
		d.Complexity = req.ComplexityHint
	}
	return d
}

// finish applies skill resolution and bookkeeping shared by all grading
// entry points.
func (s *GradingService) finish(ctx domain.Context, req domain.GradingRequest, v *domain.GradingVerdict, start time.Time) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Complexity == "" {
		v.Complexity = s.routeFor(req).Complexity
	}
	s.resolveSkills(ctx, req, v)
	s.recordSkills(ctx, req, *v)

	outcome := "incorrect"
	if v.IsCorrect {
		outcome = "correct"
	}
	observability.GradingRequestsTotal.WithLabelValues(string(v.Method), outcome).Inc()
	observability.GradingDuration.WithLabelValues(string(v.Method)).Observe(time.Since(start).Seconds())
	observability.GradingConfidence.WithLabelValues(string(v.Method)).Observe(v.Confidence)
}

// resolveSkills escalates ambiguous skill matching to the stronger model:
// multiple eligible skills and no match from the grading pass. Best effort;
// the verdict stands either way.
func (s *GradingService) resolveSkills(ctx domain.Context, req domain.GradingRequest, v *domain.GradingVerdict) {
	if len(v.MatchedSkills) > 0 || len(req.SkillContext) == 0 {
		return
	}
	if len(req.SkillContext) == 1 {
		v.MatchedSkills = []string{req.SkillContext[0]}
		return
	}
	if s.LLM == nil || v.Method == domain.MethodFallbackPattern {
		return
	}
	res, err := s.LLM.ResolveSkills(ctx, domain.EscalationRequest{
		QuestionNumber:  req.QuestionNumber,
		QuestionText:    req.QuestionText,
		StudentAnswer:   req.StudentAnswer,
		AvailableSkills: req.SkillContext,
	})
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("skill escalation failed",
			slog.Int("question_number", req.QuestionNumber),
			slog.Any("error", err))
		return
	}
	v.MatchedSkills = res.MatchedSkills
}

// recordSkills folds the verdict into the student's rolling skill scores.
func (s *GradingService) recordSkills(ctx domain.Context, req domain.GradingRequest, v domain.GradingVerdict) {
	if s.Skills == nil || req.StudentID == "" || req.PointsPossible <= 0 {
		return
	}
	score := v.PointsEarned / req.PointsPossible * 100
	for _, skill := range v.MatchedSkills {
		s.Skills.RecordExercise(ctx, req.StudentID, skill, score)
	}
}

func (s *GradingService) cacheGet(ctx domain.Context, fp string) (domain.GradingVerdict, bool) {
	if s.Cache == nil {
		return domain.GradingVerdict{}, false
	}
	v, ok, err := s.Cache.Get(ctx, fp)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("result cache get failed", slog.Any("error", err))
		return domain.GradingVerdict{}, false
	}
	return v, ok
}

// cachePut stores a verdict for reuse. Degraded fallback verdicts are not
// cached: a week of zero-credit answers because the provider blipped would
// be worse than regrading.
func (s *GradingService) cachePut(ctx domain.Context, fp string, v domain.GradingVerdict) {
	if s.Cache == nil || fp == "" {
		return
	}
	if v.Method == domain.MethodCache || v.Method == domain.MethodFallbackPattern {
		return
	}
	if err := s.Cache.Put(ctx, fp, v, s.Cfg.ResultCacheTTL); err != nil {
		observability.LoggerFromContext(ctx).Warn("result cache put failed", slog.Any("error", err))
	}
}

func validateRequest(req domain.GradingRequest) error {
	if strings.TrimSpace(req.QuestionText) == "" {
		return fmt.Errorf("%w: question text required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.ReferenceAnswer) == "" {
		return fmt.Errorf("%w: reference answer required", domain.ErrInvalidArgument)
	}
	if req.PointsPossible <= 0 {
		return fmt.Errorf("%w: points possible must be positive", domain.ErrInvalidArgument)
	}
	return nil
}

// invalidVerdict is the zero-credit terminal fallback when every strategy
// failed for a question.
func invalidVerdict(req domain.GradingRequest, cause error) domain.GradingVerdict {
	v := domain.GradingVerdict{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      false,
		Confidence:     0.1,
		Reasoning:      fmt.Sprintf("grading unavailable: %v", cause),
		ReasoningDepth: domain.DepthShallow,
		Method:         domain.MethodFallbackPattern,
		CreatedAt:      time.Now().UTC(),
	}
	v.Clamp(req.PointsPossible)
	return v
}
