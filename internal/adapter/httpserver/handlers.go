package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/queue"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
	"github.com/fairyhunter13/ai-answer-grader/internal/usecase"
	"github.com/fairyhunter13/ai-answer-grader/pkg/textx"
)

// maxSyncBatch bounds the synchronous batch endpoint; larger sets go
// through the job queue.
const maxSyncBatch = 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Grading    *usecase.GradingService
	Queue      *queue.Manager
	Taxonomy   *config.SkillTaxonomy
	Cache      domain.ResultCache
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, grading *usecase.GradingService, mgr *queue.Manager, tax *config.SkillTaxonomy, rc domain.ResultCache, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Grading: grading, Queue: mgr, Taxonomy: tax, Cache: rc, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type questionDTO struct {
	QuestionText   string   `json:"questionText" validate:"required,max=10000"`
	StudentAnswer  string   `json:"studentAnswer" validate:"max=10000"`
	CorrectAnswer  string   `json:"correctAnswer" validate:"required,max=10000"`
	PointsPossible float64  `json:"pointsPossible" validate:"required,gt=0"`
	QuestionNumber int      `json:"questionNumber" validate:"gte=0"`
	SkillContext   []string `json:"skillContext" validate:"max=10,dive,max=100"`
	StudentID      string   `json:"studentId" validate:"max=100"`
	Complexity     string   `json:"complexity" validate:"omitempty,oneof=simple medium complex"`
}

type verdictDTO struct {
	QuestionNumber  int      `json:"questionNumber"`
	IsCorrect       bool     `json:"isCorrect"`
	PointsEarned    float64  `json:"pointsEarned"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	ComplexityScore float64  `json:"complexityScore"`
	ReasoningDepth  string   `json:"reasoningDepth"`
	Method          string   `json:"method"`
	MatchedSkills   []string `json:"matchedSkills,omitempty"`
}

func toVerdictDTO(v domain.GradingVerdict) verdictDTO {
	return verdictDTO{
		QuestionNumber:  v.QuestionNumber,
		IsCorrect:       v.IsCorrect,
		PointsEarned:    v.PointsEarned,
		Confidence:      v.Confidence,
		Reasoning:       v.Reasoning,
		ComplexityScore: v.Complexity.Score(),
		ReasoningDepth:  v.ReasoningDepth,
		Method:          string(v.Method),
		MatchedSkills:   v.MatchedSkills,
	}
}

func (s *Server) toRequest(q questionDTO) domain.GradingRequest {
	return domain.GradingRequest{
		QuestionNumber:  q.QuestionNumber,
		QuestionText:    textx.SanitizeText(q.QuestionText),
		StudentAnswer:   textx.SanitizeText(q.StudentAnswer),
		ReferenceAnswer: textx.SanitizeText(q.CorrectAnswer),
		PointsPossible:  q.PointsPossible,
		SkillContext:    q.SkillContext,
		StudentID:       strings.TrimSpace(q.StudentID),
		ComplexityHint:  domain.Complexity(q.Complexity),
	}
}

// validateSkillContext rejects skills absent from the configured taxonomy.
func (s *Server) validateSkillContext(skills []string) error {
	if s.Taxonomy == nil {
		return nil
	}
	for _, sk := range skills {
		if !s.Taxonomy.Contains(sk) {
			return fmt.Errorf("%w: unknown skill %q", domain.ErrInvalidArgument, sk)
		}
	}
	return nil
}

// GradeHandler grades one question synchronously.
func (s *Server) GradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q questionDTO
		if err := decodeJSON(r, &q); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(q); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.validateSkillContext(q.SkillContext); err != nil {
			writeError(w, r, err, nil)
			return
		}
		v, err := s.Grading.GradeOne(r.Context(), s.toRequest(q))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toVerdictDTO(v))
	}
}

type batchGradeDTO struct {
	Questions []questionDTO `json:"questions" validate:"required,min=1,dive"`
	Rubric    string        `json:"rubric" validate:"max=5000"`
}

type batchGradeResponse struct {
	Success   bool         `json:"success"`
	Results   []verdictDTO `json:"results"`
	Errors    []string     `json:"errors,omitempty"`
	BatchSize int          `json:"batchSize"`
}

// GradeBatchHandler grades a small set of questions synchronously.
func (s *Server) GradeBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body batchGradeDTO
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if len(body.Questions) > maxSyncBatch {
			writeError(w, r, fmt.Errorf("%w: at most %d questions per synchronous batch, use /v1/jobs", domain.ErrInvalidArgument, maxSyncBatch), nil)
			return
		}
		reqs := make([]domain.GradingRequest, len(body.Questions))
		for i, q := range body.Questions {
			if err := s.validateSkillContext(q.SkillContext); err != nil {
				writeError(w, r, err, nil)
				return
			}
			reqs[i] = s.toRequest(q)
			reqs[i].Rubric = body.Rubric
			if reqs[i].QuestionNumber == 0 {
				reqs[i].QuestionNumber = i + 1
			}
		}
		verdicts, errs, err := s.Grading.GradeQuestions(r.Context(), reqs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := batchGradeResponse{Success: len(errs) == 0, Errors: errs, BatchSize: len(reqs)}
		for _, v := range verdicts {
			resp.Results = append(resp.Results, toVerdictDTO(v))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type answerFileDTO struct {
	Name      string        `json:"name" validate:"required,max=255"`
	StudentID string        `json:"studentId" validate:"required,max=100"`
	Questions []questionDTO `json:"questions" validate:"required,min=1,dive"`
}

type createJobDTO struct {
	Files    []answerFileDTO `json:"files" validate:"required,min=1,dive"`
	Priority string          `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

// CreateJobHandler submits a batch grading job. Accepts a JSON body, or
// multipart form files each holding one answer-file JSON document.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createJobDTO
		ct := r.Header.Get("Content-Type")
		if strings.Contains(ct, "multipart/form-data") {
			files, priority, err := s.parseMultipartJob(w, r)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			body = createJobDTO{Files: files, Priority: priority}
		} else {
			if err := decodeJSON(r, &body); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		files := make([]domain.AnswerFile, len(body.Files))
		for i, f := range body.Files {
			af := domain.AnswerFile{Name: f.Name, StudentID: f.StudentID}
			for j, q := range f.Questions {
				if err := s.validateSkillContext(q.SkillContext); err != nil {
					writeError(w, r, err, nil)
					return
				}
				req := s.toRequest(q)
				if req.QuestionNumber == 0 {
					req.QuestionNumber = j + 1
				}
				af.Questions = append(af.Questions, req)
			}
			files[i] = af
		}

		jobID, err := s.Queue.CreateJob(r.Context(), files, domain.JobPriority(body.Priority))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

// parseMultipartJob reads answer files from a multipart form. Each part
// must be a JSON document matching the answer-file shape; content type is
// verified by sniffing, not by trusting the part header.
func (s *Server) parseMultipartJob(w http.ResponseWriter, r *http.Request) ([]answerFileDTO, string, error) {
	maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too large") {
			return nil, "", fmt.Errorf("%w: upload exceeds %dMB", domain.ErrInvalidArgument, s.Cfg.MaxUploadMB)
		}
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	priority := r.FormValue("priority")

	var files []answerFileDTO
	for _, headers := range r.MultipartForm.File {
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				return nil, "", fmt.Errorf("%w: open %s: %v", domain.ErrInvalidArgument, h.Filename, err)
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, "", fmt.Errorf("%w: read %s: %v", domain.ErrInvalidArgument, h.Filename, err)
			}
			mt := mimetype.Detect(data)
			if !mt.Is("application/json") && !strings.HasPrefix(mt.String(), "text/") {
				return nil, "", fmt.Errorf("%w: %s is %s, expected JSON", domain.ErrInvalidArgument, h.Filename, mt)
			}
			var af answerFileDTO
			if err := json.Unmarshal(data, &af); err != nil {
				return nil, "", fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, h.Filename, err)
			}
			if af.Name == "" {
				af.Name = h.Filename
			}
			files = append(files, af)
		}
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("%w: no answer files in form", domain.ErrInvalidArgument)
	}
	return files, priority, nil
}

type jobDTO struct {
	ID            string       `json:"id"`
	Priority      string       `json:"priority"`
	Status        string       `json:"status"`
	Progress      float64      `json:"progress"`
	QuestionCount int          `json:"questionCount"`
	RetryCount    int          `json:"retryCount"`
	Results       []verdictDTO `json:"results,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	ETA           *time.Time   `json:"eta,omitempty"`
}

// JobStatusHandler returns job status, progress, and, for terminal jobs,
// results.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := s.Queue.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		dto := jobDTO{
			ID:            j.ID,
			Priority:      string(j.Priority),
			Status:        string(j.Status),
			Progress:      j.Progress,
			QuestionCount: j.QuestionCount(),
			RetryCount:    j.RetryCount,
			Errors:        j.Errors,
			CreatedAt:     j.CreatedAt,
			StartedAt:     j.StartedAt,
			CompletedAt:   j.CompletedAt,
			ETA:           j.ETA,
		}
		if j.Terminal() {
			for _, v := range j.Results {
				dto.Results = append(dto.Results, toVerdictDTO(v))
			}
		}
		writeJSON(w, http.StatusOK, dto)
	}
}

// PauseJobHandler pauses a queued or processing job.
func (s *Server) PauseJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Queue.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
	}
}

// ResumeJobHandler returns a paused job to the queue.
func (s *Server) ResumeJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Queue.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

// QueueStatsHandler reports queue depth, workers, throughput, success rate,
// and cost savings.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Queue.Stats(r.Context()))
	}
}

// CacheStatsHandler reports result cache hit bookkeeping.
func (s *Server) CacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Cache.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// CacheClearHandler wipes the result cache. Admin-guarded.
func (s *Server) CacheClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Cache.Clear(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("result cache cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

type readinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler probes the service's external dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks := []readinessCheck{}
		allOK := true
		run := func(name string, fn func(ctx context.Context) error) {
			c := readinessCheck{Name: name, OK: true}
			if fn == nil {
				c.Details = "not configured"
			} else if err := fn(ctx); err != nil {
				c.OK = false
				c.Details = err.Error()
				allOK = false
			}
			checks = append(checks, c)
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": allOK, "checks": checks})
	}
}

func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument)
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
