package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// SkillScoreRepo stores rolling per-skill proficiency records. Records are
// append-only; the current score is the most recent row per
// (student, skill, type).
type SkillScoreRepo struct{ Pool PgxPool }

// NewSkillScoreRepo constructs a SkillScoreRepo with the given pool.
func NewSkillScoreRepo(p PgxPool) *SkillScoreRepo { return &SkillScoreRepo{Pool: p} }

var _ domain.SkillScoreRepository = (*SkillScoreRepo)(nil)

// GetCurrentSkillScore loads the latest record for the student/skill pair.
// Returns domain.ErrNotFound when the student has no history for the skill.
func (r *SkillScoreRepo) GetCurrentSkillScore(ctx domain.Context, studentID, skillName string, skillType domain.SkillType) (domain.SkillScoreRecord, error) {
	tracer := otel.Tracer("repo.skill_scores")
	ctx, span := tracer.Start(ctx, "skill_scores.GetCurrent")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "skill_scores"),
	)
	q := `SELECT student_id, skill_name, skill_type, current_score, attempts_count, created_at
	      FROM skill_scores
	      WHERE student_id=$1 AND skill_name=$2 AND skill_type=$3
	      ORDER BY created_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, studentID, skillName, skillType)
	var rec domain.SkillScoreRecord
	if err := row.Scan(&rec.StudentID, &rec.SkillName, &rec.SkillType, &rec.CurrentScore, &rec.AttemptsCount, &rec.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.SkillScoreRecord{}, fmt.Errorf("op=skill_score.get: %w", domain.ErrNotFound)
		}
		return domain.SkillScoreRecord{}, fmt.Errorf("op=skill_score.get: %w", err)
	}
	return rec, nil
}

// InsertSkillScoreRecord appends a new score row. History is never updated
// in place so past scores stay queryable.
func (r *SkillScoreRepo) InsertSkillScoreRecord(ctx domain.Context, rec domain.SkillScoreRecord) error {
	tracer := otel.Tracer("repo.skill_scores")
	ctx, span := tracer.Start(ctx, "skill_scores.Insert")
	defer span.End()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO skill_scores (student_id, skill_name, skill_type, current_score, attempts_count, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, rec.StudentID, rec.SkillName, rec.SkillType, rec.CurrentScore, rec.AttemptsCount, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=skill_score.insert: %w", err)
	}
	return nil
}
