package ai

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// LLMGrader grades answers through the chat-completions client. Batch calls
// are the normal path; individual questions missing from the batch response
// are retried one at a time, and a call that fails outright still yields a
// zero-credit placeholder verdict per question so callers never come up
// short.
type LLMGrader struct {
	client  domain.AIClient
	breaker *observability.CircuitBreaker
	counter *tokencount.Counter
	cfg     config.Config
}

var _ domain.LLMGrader = (*LLMGrader)(nil)

func NewLLMGrader(client domain.AIClient, breaker *observability.CircuitBreaker, cfg config.Config) *LLMGrader {
	return &LLMGrader{
		client:  client,
		breaker: breaker,
		counter: tokencount.NewCounter(),
		cfg:     cfg,
	}
}

// GradeBatch grades all requests with a single model call, separating
// questions with an explicit delimiter and instructing the model to grade
// each independently. It always returns exactly one verdict per request,
// in request order.
func (g *LLMGrader) GradeBatch(ctx domain.Context, reqs []domain.GradingRequest) []domain.GradingVerdict {
	if len(reqs) == 0 {
		return nil
	}
	if len(reqs) == 1 {
		v, err := g.GradeSingle(ctx, reqs[0])
		if err != nil {
			return []domain.GradingVerdict{g.errorVerdict(reqs[0], err)}
		}
		return []domain.GradingVerdict{v}
	}

	log := observability.LoggerFromContext(ctx)
	sys := buildBatchSystemPrompt(len(reqs))
	user := buildBatchUserPrompt(reqs, reqs[0].Rubric, g.questionTruncator(len(reqs)))

	var raw string
	err := g.breaker.Execute(ctx, func(ctx domain.Context) error {
		var cerr error
		raw, cerr = g.client.ChatJSON(ctx, sys, user, g.cfg.LLMMaxTokens)
		return cerr
	})
	if err != nil {
		log.Warn("batch grading call failed, emitting zero-credit verdicts",
			slog.Int("questions", len(reqs)), slog.Any("error", err))
		out := make([]domain.GradingVerdict, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, g.errorVerdict(r, err))
		}
		return out
	}

	byOrdinal, perr := parseBatchResponse(raw, len(reqs))
	if perr != nil {
		log.Warn("batch response unparseable, regrading questions individually",
			slog.Int("questions", len(reqs)), slog.Any("error", perr))
		byOrdinal = map[int]llmGradeOut{}
	}

	out := make([]domain.GradingVerdict, 0, len(reqs))
	for i, r := range reqs {
		// Results map back by prompt ordinal: question numbers restart
		// per answer file, so two requests in one chunk can share a
		// number and must never share a verdict.
		if res, ok := byOrdinal[i+1]; ok {
			out = append(out, toVerdict(res, r, domain.MethodLLMBatch))
			continue
		}
		// Missing from the batch payload: only this question pays the
		// cost of a single-question retry.
		log.Info("question absent from batch response, regrading singly",
			slog.Int("batch_position", i+1), slog.Int("question_number", r.QuestionNumber))
		v, serr := g.GradeSingle(ctx, r)
		if serr != nil {
			v = g.errorVerdict(r, serr)
		}
		out = append(out, v)
	}
	return out
}

// GradeSingle grades one question with its own model call.
func (g *LLMGrader) GradeSingle(ctx domain.Context, req domain.GradingRequest) (domain.GradingVerdict, error) {
	sys := buildSingleSystemPrompt()
	user := buildSingleUserPrompt(req, g.questionTruncator(1))

	var raw string
	err := g.breaker.Execute(ctx, func(ctx domain.Context) error {
		var cerr error
		raw, cerr = g.client.ChatJSON(ctx, sys, user, g.cfg.LLMMaxTokens)
		return cerr
	})
	if err != nil {
		return domain.GradingVerdict{}, fmt.Errorf("grade single q%d: %w", req.QuestionNumber, err)
	}
	res, err := parseSingleResponse(raw)
	if err != nil {
		return domain.GradingVerdict{}, fmt.Errorf("grade single q%d: %w", req.QuestionNumber, err)
	}
	return toVerdict(res, req, domain.MethodLLMSingle), nil
}

// ResolveSkills asks the escalation-tier model to map a question onto the
// allowed skill list. The model output is validated against that list; an
// out-of-list skill is discarded, never trusted.
func (g *LLMGrader) ResolveSkills(ctx domain.Context, req domain.EscalationRequest) (domain.EscalationResult, error) {
	if len(req.AvailableSkills) == 0 {
		return domain.EscalationResult{}, fmt.Errorf("resolve skills q%d: %w: empty skill list", req.QuestionNumber, domain.ErrInvalidArgument)
	}
	sys := buildEscalationSystemPrompt()
	user := buildEscalationUserPrompt(req)

	var raw string
	err := g.breaker.Execute(ctx, func(ctx domain.Context) error {
		var cerr error
		raw, cerr = g.client.ChatJSONModel(ctx, g.cfg.EscalationModel, sys, user, g.cfg.LLMMaxTokens)
		return cerr
	})
	if err != nil {
		return domain.EscalationResult{}, fmt.Errorf("resolve skills q%d: %w", req.QuestionNumber, err)
	}
	res, err := parseEscalationResponse(raw, req.AvailableSkills)
	if err != nil {
		return domain.EscalationResult{}, fmt.Errorf("resolve skills q%d: %w", req.QuestionNumber, err)
	}
	return res, nil
}

// questionTruncator returns a per-question text truncator sized so the
// whole batch fits the prompt token budget.
func (g *LLMGrader) questionTruncator(n int) func(string) string {
	if n < 1 {
		n = 1
	}
	perQuestion := g.cfg.PromptTokenBudget / n
	if perQuestion < 200 {
		perQuestion = 200
	}
	model := g.cfg.GraderModel
	return func(text string) string {
		return g.counter.TruncateToBudget(model, text, perQuestion)
	}
}

// errorVerdict is the zero-credit placeholder emitted when grading a
// question failed entirely. It carries the raw error as reasoning so a
// teacher reviewing the exam can see what went wrong.
func (g *LLMGrader) errorVerdict(req domain.GradingRequest, cause error) domain.GradingVerdict {
	v := domain.GradingVerdict{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		IsCorrect:      false,
		PointsEarned:   0,
		Confidence:     0.1,
		Reasoning:      fmt.Sprintf("automatic grading unavailable: %v", cause),
		ReasoningDepth: domain.DepthShallow,
		Method:         domain.MethodFallbackPattern,
		CreatedAt:      time.Now().UTC(),
	}
	v.Clamp(req.PointsPossible)
	return v
}
