// Package domain defines the core grading entities, ports, and error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrCircuitOpen       = errors.New("service temporarily unavailable")
	ErrInternal          = errors.New("internal error")
)

// GradeMethod identifies which strategy produced a verdict.
type GradeMethod string

const (
	MethodCache           GradeMethod = "cache"
	MethodEmbedding       GradeMethod = "embedding"
	MethodLLMBatch        GradeMethod = "llm-batch"
	MethodLLMSingle       GradeMethod = "llm-single"
	MethodLLMEscalated    GradeMethod = "llm-escalated"
	MethodFallbackPattern GradeMethod = "fallback-pattern"
)

// ReasoningDepth values accepted from the grading model. Anything else is
// coerced to DepthMedium at parse time.
const (
	DepthShallow = "shallow"
	DepthMedium  = "medium"
	DepthDeep    = "deep"
)

// Complexity buckets produced by the routing heuristic.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Score projects the complexity tier onto [0,1] for reporting surfaces.
// An unknown or unset tier reads as medium.
func (c Complexity) Score() float64 {
	switch c {
	case ComplexitySimple:
		return 0.2
	case ComplexityComplex:
		return 0.8
	default:
		return 0.5
	}
}

// GradingRequest is one question to grade. Immutable once created;
// constructed per question per exam paper.
type GradingRequest struct {
	QuestionID     string
	QuestionNumber int
	// StudentID attributes the verdict to a student for skill score
	// aggregation. Optional for ad-hoc grading.
	StudentID       string
	QuestionText    string
	StudentAnswer   string
	ReferenceAnswer string
	PointsPossible  float64
	// SkillContext is the ordered list of skill names eligible for this
	// question. Skill matching output must be a subset of it.
	SkillContext   []string
	ComplexityHint Complexity
	// Rubric carries optional scoring guidance for the LLM grader. For
	// batch submissions the same rubric is set on every question.
	Rubric string
}

// GradingVerdict is the outcome of grading one question. Produced exactly
// once per request; never mutated after creation, only superseded.
// Invariants: 0 <= PointsEarned <= PointsPossible of the originating
// request; 0 <= Confidence <= 1; MatchedSkills is a subset of the request's
// SkillContext.
type GradingVerdict struct {
	QuestionID     string      `json:"question_id"`
	QuestionNumber int         `json:"question_number"`
	IsCorrect      bool        `json:"is_correct"`
	PointsEarned   float64     `json:"points_earned"`
	Confidence     float64     `json:"confidence"`
	Reasoning      string      `json:"reasoning"`
	ReasoningDepth string      `json:"reasoning_depth"`
	Method         GradeMethod `json:"method"`
	Complexity     Complexity  `json:"complexity,omitempty"`
	MatchedSkills  []string    `json:"matched_skills,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clamp enforces the verdict invariants against the question's point budget.
func (v *GradingVerdict) Clamp(pointsPossible float64) {
	if v.PointsEarned < 0 {
		v.PointsEarned = 0
	}
	if v.PointsEarned > pointsPossible {
		v.PointsEarned = pointsPossible
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	switch v.ReasoningDepth {
	case DepthShallow, DepthMedium, DepthDeep:
	default:
		v.ReasoningDepth = DepthMedium
	}
}

// CacheEntry is a stored verdict plus access bookkeeping. Entries are only
// served while now < ExpiresAt; the access counters are statistics only and
// tolerate lost increments under race.
type CacheEntry struct {
	Fingerprint    string         `json:"fingerprint"`
	Verdict        GradingVerdict `json:"verdict"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	AccessCount    int64          `json:"access_count"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// JobPriority orders batch jobs in the queue.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Rank returns the scheduling rank of a priority; higher runs first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p JobPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobStatus enumerates batch job states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
)

// AnswerFile is one uploaded answer sheet inside a batch job.
type AnswerFile struct {
	Name      string
	StudentID string
	Questions []GradingRequest
}

// BatchJob is a multi-file grading run. Mutated only by the queue worker
// loop; completed/failed are terminal, paused resumes back to processing.
type BatchJob struct {
	ID          string
	Files       []AnswerFile
	Priority    JobPriority
	Status      JobStatus
	Progress    float64 // 0..100
	Results     []GradingVerdict
	Errors      []string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	// NextIndex is the cursor into the flattened question list; a paused job
	// resumes from here without regrading finished questions.
	NextIndex int
	// ETA is a best-effort completion estimate maintained while processing.
	ETA *time.Time
}

// QuestionCount returns the total number of questions across all files.
func (j *BatchJob) QuestionCount() int {
	n := 0
	for _, f := range j.Files {
		n += len(f.Questions)
	}
	return n
}

// Terminal reports whether the job reached a terminal state.
func (j *BatchJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// SkillType distinguishes content skills from subject skills.
type SkillType string

const (
	SkillTypeContent SkillType = "content"
	SkillTypeSubject SkillType = "subject"
)

// SkillScoreRecord is a rolling per-skill proficiency estimate. Read before
// each update, written after each completed exercise.
type SkillScoreRecord struct {
	StudentID     string
	SkillName     string
	SkillType     SkillType
	CurrentScore  float64
	AttemptsCount int
	CreatedAt     time.Time
}

// EscalationRequest asks a higher-capability model to resolve skill
// ambiguity for one question.
type EscalationRequest struct {
	QuestionNumber  int
	QuestionText    string
	StudentAnswer   string
	AvailableSkills []string
	Prompt          string
}

// EscalationResult carries the resolved skills. MatchedSkills must be a
// subset of the request's AvailableSkills; anything else is discarded at
// validation time, never trusted from the model's output.
type EscalationResult struct {
	MatchedSkills []string
	PrimarySkill  string
	Confidence    float64
	Reasoning     string
}

// GradingCompletedEvent is published when a batch job reaches a terminal
// state so downstream consumers (analytics, reporting) can react.
type GradingCompletedEvent struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	QuestionCount int       `json:"question_count"`
	CorrectCount  int       `json:"correct_count"`
	ErrorCount    int       `json:"error_count"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Ports

// ResultCache stores prior grading decisions keyed by fingerprint.
type ResultCache interface {
	Get(ctx Context, fingerprint string) (GradingVerdict, bool, error)
	Put(ctx Context, fingerprint string, v GradingVerdict, ttl time.Duration) error
	Stats(ctx Context) (CacheStats, error)
	Clear(ctx Context) error
}

// CacheStats aggregates the cache's hit bookkeeping over non-expired entries.
type CacheStats struct {
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	HitRate       float64          `json:"hit_rate"`
	SavingsUSD    float64          `json:"estimated_savings_usd"`
	PerSkillHits  map[string]int64 `json:"per_skill_hits,omitempty"`
	PerMethodHits map[string]int64 `json:"per_method_hits,omitempty"`
}

// AIClient is the remote chat-completions port.
type AIClient interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	// ChatJSONModel targets a specific model, used by the escalation tier.
	ChatJSONModel(ctx Context, model, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// EmbeddingProvider computes embedding vectors for texts.
type EmbeddingProvider interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// LLMGrader grades questions via the remote language model.
type LLMGrader interface {
	// GradeBatch returns exactly one verdict per request, in order, even
	// when the remote call fails outright.
	GradeBatch(ctx Context, reqs []GradingRequest) []GradingVerdict
	GradeSingle(ctx Context, req GradingRequest) (GradingVerdict, error)
	ResolveSkills(ctx Context, req EscalationRequest) (EscalationResult, error)
}

// EmbeddingGrader grades via local embedding similarity.
type EmbeddingGrader interface {
	Grade(ctx Context, req GradingRequest, complexity Complexity) (GradingVerdict, error)
}

// SkillScoreRepository is the external persistence surface for skill scores.
type SkillScoreRepository interface {
	GetCurrentSkillScore(ctx Context, studentID, skillName string, skillType SkillType) (SkillScoreRecord, error)
	InsertSkillScoreRecord(ctx Context, rec SkillScoreRecord) error
}

// JobRepository persists batch job lifecycle for audit and crash recovery.
type JobRepository interface {
	Create(ctx Context, j BatchJob) error
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg string) error
	UpdateProgress(ctx Context, id string, progress float64) error
	Get(ctx Context, id string) (BatchJob, error)
	ListStuckProcessing(ctx Context, cutoff time.Time, limit int) ([]string, error)
}

// EventPublisher publishes job completion events.
type EventPublisher interface {
	PublishGradingCompleted(ctx Context, evt GradingCompletedEvent) error
}

// Context is an alias so adapters pass context.Context through the domain
// without the domain package re-exporting stdlib concerns everywhere.
type Context = context.Context
