package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// SkillScoreAggregator folds new exercise scores into rolling per-skill
// proficiency records. It must degrade, never block: a failed update is
// logged and swallowed so grading always succeeds regardless.
type SkillScoreAggregator struct {
	Repo          domain.SkillScoreRepository
	Taxonomy      *config.SkillTaxonomy
	RecencyWeight float64
}

// NewSkillScoreAggregator constructs the aggregator.
func NewSkillScoreAggregator(repo domain.SkillScoreRepository, tax *config.SkillTaxonomy, recencyWeight float64) *SkillScoreAggregator {
	return &SkillScoreAggregator{Repo: repo, Taxonomy: tax, RecencyWeight: recencyWeight}
}

// BlendScore computes the updated rolling score: recencyWeight influence to
// the new observation, the remainder to the existing score. An unusable
// weight degrades to the arithmetic mean of the two scores.
func BlendScore(currentScore, newScore, recencyWeight float64) float64 {
	if math.IsNaN(recencyWeight) || recencyWeight <= 0 || recencyWeight >= 1 {
		return (currentScore + newScore) / 2
	}
	return (1-recencyWeight)*currentScore + recencyWeight*newScore
}

// RecordExercise updates one skill's rolling score for a student. First
// observation takes the score as-is with attempts = 1. All failures are
// logged, never returned: skill bookkeeping must not fail grading.
func (a *SkillScoreAggregator) RecordExercise(ctx domain.Context, studentID, skillName string, newScore float64) {
	if a == nil || a.Repo == nil || studentID == "" || skillName == "" {
		return
	}
	if err := a.record(ctx, studentID, skillName, newScore); err != nil {
		slog.Warn("skill score update failed",
			slog.String("student_id", studentID),
			slog.String("skill", skillName),
			slog.Any("error", err))
	}
}

func (a *SkillScoreAggregator) record(ctx domain.Context, studentID, skillName string, newScore float64) error {
	skillType := a.resolveType(skillName)

	cur, err := a.Repo.GetCurrentSkillScore(ctx, studentID, skillName, skillType)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("load current score: %w", err)
		}
		return a.Repo.InsertSkillScoreRecord(ctx, domain.SkillScoreRecord{
			StudentID:     studentID,
			SkillName:     skillName,
			SkillType:     skillType,
			CurrentScore:  newScore,
			AttemptsCount: 1,
			CreatedAt:     time.Now().UTC(),
		})
	}

	return a.Repo.InsertSkillScoreRecord(ctx, domain.SkillScoreRecord{
		StudentID:     studentID,
		SkillName:     skillName,
		SkillType:     skillType,
		CurrentScore:  BlendScore(cur.CurrentScore, newScore, a.RecencyWeight),
		AttemptsCount: cur.AttemptsCount + 1,
		CreatedAt:     time.Now().UTC(),
	})
}

// resolveType maps a skill name to its type via the taxonomy. The string
// pattern fallback is a best-effort default only; ambiguity is flagged with
// a metric and a log line rather than silently guessed away.
func (a *SkillScoreAggregator) resolveType(skillName string) domain.SkillType {
	if a.Taxonomy != nil {
		if t, ok := a.Taxonomy.TypeOf(skillName); ok {
			return domain.SkillType(t)
		}
	}
	observability.SkillTypeAmbiguousTotal.Inc()
	guess := string(domain.SkillTypeContent)
	if a.Taxonomy != nil {
		guess = a.Taxonomy.GuessType(skillName)
	}
	slog.Warn("skill type not in taxonomy, using pattern guess",
		slog.String("skill", skillName),
		slog.String("guess", guess))
	return domain.SkillType(guess)
}
