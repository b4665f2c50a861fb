package usecase_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/internal/usecase"
)

// fakeSkillRepo is an in-memory SkillScoreRepository recording inserts.
type fakeSkillRepo struct {
	current map[string]domain.SkillScoreRecord
	inserts []domain.SkillScoreRecord
	getErr  error
	insErr  error
}

func newFakeSkillRepo() *fakeSkillRepo {
	return &fakeSkillRepo{current: make(map[string]domain.SkillScoreRecord)}
}

func (f *fakeSkillRepo) GetCurrentSkillScore(_ domain.Context, studentID, skillName string, _ domain.SkillType) (domain.SkillScoreRecord, error) {
	if f.getErr != nil {
		return domain.SkillScoreRecord{}, f.getErr
	}
	rec, ok := f.current[studentID+"/"+skillName]
	if !ok {
		return domain.SkillScoreRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSkillRepo) InsertSkillScoreRecord(_ domain.Context, rec domain.SkillScoreRecord) error {
	if f.insErr != nil {
		return f.insErr
	}
	f.inserts = append(f.inserts, rec)
	f.current[rec.StudentID+"/"+rec.SkillName] = rec
	return nil
}

func testTaxonomy() *config.SkillTaxonomy {
	return config.NewSkillTaxonomy([]config.SkillDef{
		{Name: "algebra", Type: "content", Patterns: []string{"equation"}},
		{Name: "mathematics", Type: "subject", Patterns: []string{"math"}},
	})
}

func TestBlendScore(t *testing.T) {
	t.Parallel()

	// 70% weight to the established score, 30% to the new observation.
	assert.Equal(t, 76.0, usecase.BlendScore(70, 90, 0.3))
	assert.Equal(t, 90.0, usecase.BlendScore(90, 90, 0.3))
	assert.InDelta(t, 64.0, usecase.BlendScore(70, 50, 0.3), 1e-9)
}

func TestBlendScore_BadWeightDegradesToMean(t *testing.T) {
	t.Parallel()

	for _, w := range []float64{0, -0.5, 1, 1.5, math.NaN()} {
		assert.Equal(t, 80.0, usecase.BlendScore(70, 90, w), "weight %v", w)
	}
}

func TestRecordExercise_FirstObservation(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	agg := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)

	agg.RecordExercise(context.Background(), "student-1", "algebra", 85)

	require.Len(t, repo.inserts, 1)
	rec := repo.inserts[0]
	assert.Equal(t, "student-1", rec.StudentID)
	assert.Equal(t, "algebra", rec.SkillName)
	assert.Equal(t, domain.SkillTypeContent, rec.SkillType)
	assert.Equal(t, 85.0, rec.CurrentScore)
	assert.Equal(t, 1, rec.AttemptsCount)
}

func TestRecordExercise_BlendsWithExistingScore(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	repo.current["student-1/algebra"] = domain.SkillScoreRecord{
		StudentID:     "student-1",
		SkillName:     "algebra",
		SkillType:     domain.SkillTypeContent,
		CurrentScore:  70,
		AttemptsCount: 4,
	}
	agg := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)

	agg.RecordExercise(context.Background(), "student-1", "algebra", 90)

	require.Len(t, repo.inserts, 1)
	rec := repo.inserts[0]
	assert.Equal(t, 76.0, rec.CurrentScore)
	assert.Equal(t, 5, rec.AttemptsCount)
}

func TestRecordExercise_SubjectSkillType(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	agg := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)

	agg.RecordExercise(context.Background(), "student-1", "mathematics", 60)

	require.Len(t, repo.inserts, 1)
	assert.Equal(t, domain.SkillTypeSubject, repo.inserts[0].SkillType)
}

func TestRecordExercise_UnknownSkillUsesPatternGuess(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	agg := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)

	// Not in the taxonomy, but matches the "math" pattern of a subject skill.
	agg.RecordExercise(context.Background(), "student-1", "applied-math", 60)

	require.Len(t, repo.inserts, 1)
	assert.Equal(t, domain.SkillTypeSubject, repo.inserts[0].SkillType)

	// No pattern match at all defaults to content.
	agg.RecordExercise(context.Background(), "student-1", "pottery", 60)
	require.Len(t, repo.inserts, 2)
	assert.Equal(t, domain.SkillTypeContent, repo.inserts[1].SkillType)
}

func TestRecordExercise_NeverPanicsOrBlocksOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Repo read failure.
	repo := newFakeSkillRepo()
	repo.getErr = errors.New("db down")
	usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3).RecordExercise(ctx, "s", "algebra", 50)
	assert.Empty(t, repo.inserts)

	// Repo write failure.
	repo = newFakeSkillRepo()
	repo.insErr = errors.New("db down")
	usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3).RecordExercise(ctx, "s", "algebra", 50)

	// Nil aggregator and missing identifiers are no-ops.
	var nilAgg *usecase.SkillScoreAggregator
	nilAgg.RecordExercise(ctx, "s", "algebra", 50)
	repo = newFakeSkillRepo()
	agg := usecase.NewSkillScoreAggregator(repo, testTaxonomy(), 0.3)
	agg.RecordExercise(ctx, "", "algebra", 50)
	agg.RecordExercise(ctx, "s", "", 50)
	assert.Empty(t, repo.inserts)
}

func TestRecordExercise_NilTaxonomy(t *testing.T) {
	t.Parallel()
	repo := newFakeSkillRepo()
	agg := usecase.NewSkillScoreAggregator(repo, nil, 0.3)

	agg.RecordExercise(context.Background(), "student-1", "algebra", 50)

	require.Len(t, repo.inserts, 1)
	assert.Equal(t, domain.SkillTypeContent, repo.inserts[0].SkillType)
}
