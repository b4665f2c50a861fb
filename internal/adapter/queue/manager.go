// Package queue runs the in-process batch grading queue: priority ordering,
// a dynamically scaled worker pool, pause/resume, and bounded whole-job
// retries.
package queue

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-answer-grader/internal/adapter/observability"
	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// gradeChunkSize is how many questions go to the grader per call while a
// job is processing. Chunking keeps the pause cursor responsive and bounds
// the size of each LLM batch prompt.
const gradeChunkSize = 5

// Grader grades a slice of questions, returning exactly one verdict per
// request plus per-question error notes. A non-nil error is fatal for the
// whole chunk and triggers the job-level retry path.
type Grader interface {
	GradeQuestions(ctx domain.Context, reqs []domain.GradingRequest) ([]domain.GradingVerdict, []string, error)
}

// Stats is the queue monitoring snapshot.
type Stats struct {
	QueueDepth       int     `json:"queue_depth"`
	ActiveWorkers    int     `json:"active_workers"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
	SuccessRate      float64 `json:"success_rate"`
	SavingsUSD       float64 `json:"estimated_savings_usd"`
}

// Manager owns the job queue and worker pool. All job state transitions
// happen under its lock; workers pull the highest-priority pending job,
// FIFO within a tier.
type Manager struct {
	cfg    config.Config
	grader Grader
	jobs   domain.JobRepository  // optional, nil disables persistence
	events domain.EventPublisher // optional, nil disables events
	policy domain.RetryPolicy

	// savingsFn reports cumulative routing/cache cost savings for stats.
	savingsFn func(ctx domain.Context) float64

	mu        sync.Mutex
	pending   jobHeap
	seq       uint64
	byID      map[string]*domain.BatchJob
	pauseReq  map[string]bool
	workers   int
	active    int
	completed int64
	failed    int64
	doneTimes []time.Time

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithJobRepository persists job lifecycle transitions for audit and
// crash recovery.
func WithJobRepository(r domain.JobRepository) Option {
	return func(m *Manager) { m.jobs = r }
}

// WithEventPublisher publishes grading-completed events on terminal jobs.
func WithEventPublisher(p domain.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithSavingsFunc supplies the cost-savings figure surfaced in Stats.
func WithSavingsFunc(f func(ctx domain.Context) float64) Option {
	return func(m *Manager) { m.savingsFn = f }
}

// NewManager constructs a Manager. Call Start before submitting jobs.
func NewManager(cfg config.Config, grader Grader, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		grader:   grader,
		policy:   cfg.GetRetryPolicy(),
		byID:     make(map[string]*domain.BatchJob),
		pauseReq: make(map[string]bool),
		wake:     make(chan struct{}, cfg.QueueMaxWorkers),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.pending)
	return m
}

// Start launches the minimum worker pool and the scaling loop.
func (m *Manager) Start(ctx domain.Context) {
	slog.Info("starting batch queue manager",
		slog.Int("min_workers", m.cfg.QueueMinWorkers),
		slog.Int("max_workers", m.cfg.QueueMaxWorkers))
	m.mu.Lock()
	for i := 0; i < m.cfg.QueueMinWorkers; i++ {
		m.workers++
		go m.worker(ctx)
	}
	observability.ActiveWorkers.Set(float64(m.workers))
	m.mu.Unlock()
	go m.scaleLoop(ctx)
}

// Close stops accepting work and signals workers to exit. In-flight chunks
// finish; their jobs re-enter the queue as paused cursors on restart via
// the job repository.
func (m *Manager) Close() {
	close(m.stop)
}

// CreateJob validates and enqueues a new batch job, returning its id.
func (m *Manager) CreateJob(ctx domain.Context, files []domain.AnswerFile, priority domain.JobPriority) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("create job: %w: no files", domain.ErrInvalidArgument)
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return "", fmt.Errorf("create job: %w: unknown priority %q", domain.ErrInvalidArgument, priority)
	}
	total := 0
	for _, f := range files {
		total += len(f.Questions)
	}
	if total == 0 {
		return "", fmt.Errorf("create job: %w: no questions in files", domain.ErrInvalidArgument)
	}

	j := &domain.BatchJob{
		ID:         uuid.New().String(),
		Files:      files,
		Priority:   priority,
		Status:     domain.JobQueued,
		MaxRetries: m.cfg.JobMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if m.jobs != nil {
		if err := m.jobs.Create(ctx, *j); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
	}

	m.mu.Lock()
	m.byID[j.ID] = j
	m.push(j)
	m.mu.Unlock()

	observability.JobsEnqueuedTotal.WithLabelValues(string(priority)).Inc()
	log := slog.Default()
	if rid := observability.RequestIDFromContext(ctx); rid != "" {
		// Correlates the enqueue with the submitting HTTP request even
		// though workers later log under the manager's own context.
		log = log.With(slog.String("request_id", rid))
	}
	log.Info("job enqueued",
		slog.String("job_id", j.ID),
		slog.String("priority", string(priority)),
		slog.Int("questions", total))
	m.signal()
	return j.ID, nil
}

// GetJob returns a snapshot of the job. Falls back to the repository for
// jobs from a previous process lifetime.
func (m *Manager) GetJob(ctx domain.Context, id string) (domain.BatchJob, error) {
	m.mu.Lock()
	j, ok := m.byID[id]
	if ok {
		snap := *j
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()
	if m.jobs != nil {
		return m.jobs.Get(ctx, id)
	}
	return domain.BatchJob{}, fmt.Errorf("get job: %w", domain.ErrNotFound)
}

// Pause requests a processing job to stop after its current chunk. A
// queued job pauses immediately by leaving the pending heap.
func (m *Manager) Pause(ctx domain.Context, id string) error {
	m.mu.Lock()
	j, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pause job: %w", domain.ErrNotFound)
	}
	switch j.Status {
	case domain.JobQueued:
		m.removePending(id)
		j.Status = domain.JobPaused
	case domain.JobProcessing:
		m.pauseReq[id] = true
	case domain.JobPaused:
		// already paused, nothing to do
	default:
		m.mu.Unlock()
		return fmt.Errorf("pause job: %w: job is %s", domain.ErrConflict, j.Status)
	}
	status := j.Status
	m.mu.Unlock()

	if status == domain.JobPaused {
		m.persistStatus(ctx, id, domain.JobPaused, "")
	}
	slog.Info("job pause requested", slog.String("job_id", id))
	return nil
}

// Resume returns a paused job to the queue, preserving its progress cursor
// so finished questions are not regraded.
func (m *Manager) Resume(ctx domain.Context, id string) error {
	m.mu.Lock()
	j, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resume job: %w", domain.ErrNotFound)
	}
	if j.Status != domain.JobPaused {
		m.mu.Unlock()
		return fmt.Errorf("resume job: %w: job is %s", domain.ErrConflict, j.Status)
	}
	delete(m.pauseReq, id)
	j.Status = domain.JobQueued
	m.push(j)
	m.mu.Unlock()

	m.persistStatus(ctx, id, domain.JobQueued, "")
	slog.Info("job resumed", slog.String("job_id", id), slog.Int("next_index", j.NextIndex))
	m.signal()
	return nil
}

// Stats reports the queue monitoring snapshot.
func (m *Manager) Stats(ctx domain.Context) Stats {
	m.mu.Lock()
	cutoff := time.Now().Add(-time.Minute)
	recent := 0
	for _, t := range m.doneTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	s := Stats{
		QueueDepth:       m.pending.Len(),
		ActiveWorkers:    m.active,
		ThroughputPerMin: float64(recent),
	}
	if total := m.completed + m.failed; total > 0 {
		s.SuccessRate = float64(m.completed) / float64(total)
	}
	m.mu.Unlock()
	if m.savingsFn != nil {
		s.SavingsUSD = m.savingsFn(ctx)
	}
	return s
}

// RequeueStuck re-enqueues a job found stuck in processing, typically after
// a crash left a repository row behind. Used by the stuck-job sweeper.
func (m *Manager) RequeueStuck(ctx domain.Context, id string) error {
	m.mu.Lock()
	j, ok := m.byID[id]
	if ok && j.Status == domain.JobProcessing {
		// still actively owned by a worker in this process
		m.mu.Unlock()
		return nil
	}
	if !ok {
		m.mu.Unlock()
		if m.jobs == nil {
			return fmt.Errorf("requeue stuck: %w", domain.ErrNotFound)
		}
		loaded, err := m.jobs.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("requeue stuck: %w", err)
		}
		loaded.Status = domain.JobQueued
		m.mu.Lock()
		j = &loaded
		m.byID[id] = j
	} else {
		j.Status = domain.JobQueued
	}
	m.push(j)
	m.mu.Unlock()

	m.persistStatus(ctx, id, domain.JobQueued, "")
	slog.Warn("stuck job requeued", slog.String("job_id", id))
	m.signal()
	return nil
}

// worker pulls and runs jobs until stopped or retired by idle timeout.
func (m *Manager) worker(ctx domain.Context) {
	idle := m.cfg.WorkerIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		j := m.pop()
		if j != nil {
			m.runJob(ctx, j)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
			continue
		}
		select {
		case <-ctx.Done():
			m.retire(true)
			return
		case <-m.stop:
			m.retire(true)
			return
		case <-m.wake:
		case <-timer.C:
			if m.retire(false) {
				return
			}
			timer.Reset(idle)
		}
	}
}

// scaleLoop grows the pool toward the backlog, capped at the maximum.
// Shrinking happens worker-side via the idle timeout.
func (m *Manager) scaleLoop(ctx domain.Context) {
	every := m.cfg.QueueScaleEvery
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			depth := m.pending.Len()
			toAdd := 0
			if depth > m.workers-m.active && m.workers < m.cfg.QueueMaxWorkers {
				toAdd = minInt(depth, m.cfg.QueueMaxWorkers-m.workers)
				for i := 0; i < toAdd; i++ {
					m.workers++
					go m.worker(ctx)
				}
				observability.ActiveWorkers.Set(float64(m.workers))
			}
			m.mu.Unlock()
			if toAdd > 0 {
				slog.Info("scaled up workers", slog.Int("added", toAdd), slog.Int("queue_depth", depth))
			}
		}
	}
}

// retire removes this worker from the pool. When force is false the worker
// only retires above the configured minimum.
func (m *Manager) retire(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && m.workers <= m.cfg.QueueMinWorkers {
		return false
	}
	m.workers--
	observability.ActiveWorkers.Set(float64(m.workers))
	return true
}

// runJob grades a job chunk by chunk from its cursor. Exactly one worker
// owns a job while it is processing.
func (m *Manager) runJob(ctx domain.Context, j *domain.BatchJob) {
	start := time.Now()
	m.mu.Lock()
	j.Status = domain.JobProcessing
	if j.StartedAt == nil {
		t := start.UTC()
		j.StartedAt = &t
	}
	m.active++
	m.mu.Unlock()
	m.persistStatus(ctx, j.ID, domain.JobProcessing, "")

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	flat := flatten(j.Files)
	total := len(flat)
	for {
		m.mu.Lock()
		if m.pauseReq[j.ID] {
			delete(m.pauseReq, j.ID)
			j.Status = domain.JobPaused
			m.mu.Unlock()
			m.persistStatus(ctx, j.ID, domain.JobPaused, "")
			slog.Info("job paused", slog.String("job_id", j.ID), slog.Int("next_index", j.NextIndex))
			return
		}
		i := j.NextIndex
		m.mu.Unlock()
		if i >= total {
			break
		}
		if err := ctx.Err(); err != nil {
			m.failOrRetry(ctx, j, fmt.Errorf("job interrupted: %w", err))
			return
		}

		end := minInt(i+gradeChunkSize, total)
		chunk := flat[i:end]
		verdicts, errs, err := m.grader.GradeQuestions(ctx, chunk)
		if err != nil {
			m.failOrRetry(ctx, j, err)
			return
		}

		m.mu.Lock()
		j.Results = append(j.Results, verdicts...)
		j.Errors = append(j.Errors, errs...)
		j.NextIndex = end
		j.Progress = float64(end) / float64(total) * 100
		if end > 0 {
			perQuestion := time.Since(start) / time.Duration(end)
			eta := time.Now().Add(perQuestion * time.Duration(total-end)).UTC()
			j.ETA = &eta
		}
		m.mu.Unlock()

		if m.jobs != nil {
			if perr := m.jobs.UpdateProgress(ctx, j.ID, j.Progress); perr != nil {
				slog.Warn("progress persist failed", slog.String("job_id", j.ID), slog.Any("error", perr))
			}
		}
	}

	m.mu.Lock()
	j.Status = domain.JobCompleted
	j.Progress = 100
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.ETA = nil
	m.completed++
	m.recordDone(now)
	// A pause that raced the final chunk must not outlive the job.
	delete(m.pauseReq, j.ID)
	m.mu.Unlock()

	m.persistStatus(ctx, j.ID, domain.JobCompleted, "")
	observability.JobsCompletedTotal.Inc()
	observability.JobDuration.Observe(time.Since(start).Seconds())
	m.publishTerminal(ctx, j)
	slog.Info("job completed",
		slog.String("job_id", j.ID),
		slog.Int("questions", total),
		slog.Duration("took", time.Since(start)))
}

// failOrRetry requeues the job with a backoff delay until retries are
// exhausted, then marks it failed with its accumulated errors.
func (m *Manager) failOrRetry(ctx domain.Context, j *domain.BatchJob, cause error) {
	m.mu.Lock()
	j.RetryCount++
	j.Errors = append(j.Errors, cause.Error())
	exhausted := m.policy.Exhausted(j.RetryCount) || j.RetryCount > j.MaxRetries
	retryCount := j.RetryCount
	if exhausted {
		j.Status = domain.JobFailed
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.ETA = nil
		m.failed++
		m.recordDone(now)
		delete(m.pauseReq, j.ID)
	} else {
		j.Status = domain.JobQueued
	}
	m.mu.Unlock()

	if exhausted {
		m.persistStatus(ctx, j.ID, domain.JobFailed, cause.Error())
		observability.JobsFailedTotal.Inc()
		m.publishTerminal(ctx, j)
		slog.Error("job failed, retries exhausted",
			slog.String("job_id", j.ID),
			slog.Int("retries", retryCount),
			slog.Any("error", cause))
		return
	}

	delay := m.policy.Delay(retryCount)
	slog.Warn("job retry scheduled",
		slog.String("job_id", j.ID),
		slog.Int("attempt", retryCount),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	m.persistStatus(ctx, j.ID, domain.JobQueued, cause.Error())
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if j.Status == domain.JobQueued {
			m.push(j)
		}
		m.mu.Unlock()
		m.signal()
	})
}

func (m *Manager) publishTerminal(ctx domain.Context, j *domain.BatchJob) {
	if m.events == nil {
		return
	}
	m.mu.Lock()
	evt := domain.GradingCompletedEvent{
		JobID:         j.ID,
		Status:        j.Status,
		QuestionCount: j.QuestionCount(),
		ErrorCount:    len(j.Errors),
		CompletedAt:   time.Now().UTC(),
	}
	if j.CompletedAt != nil {
		evt.CompletedAt = *j.CompletedAt
	}
	for _, v := range j.Results {
		if v.IsCorrect {
			evt.CorrectCount++
		}
	}
	m.mu.Unlock()
	if err := m.events.PublishGradingCompleted(ctx, evt); err != nil {
		slog.Warn("event publish failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// persistStatus writes a status transition to the repository, best effort.
func (m *Manager) persistStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg string) {
	if m.jobs == nil {
		return
	}
	if err := m.jobs.UpdateStatus(ctx, id, status, errMsg); err != nil {
		slog.Warn("status persist failed",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// push adds a job to the pending heap. Caller holds the lock.
func (m *Manager) push(j *domain.BatchJob) {
	m.seq++
	heap.Push(&m.pending, &pendingJob{job: j, rank: j.Priority.Rank(), seq: m.seq})
	observability.QueueDepth.WithLabelValues(string(j.Priority)).Inc()
}

// pop removes the highest-priority pending job, nil when empty.
func (m *Manager) pop() *domain.BatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending.Len() == 0 {
		return nil
	}
	item := heap.Pop(&m.pending).(*pendingJob)
	observability.QueueDepth.WithLabelValues(string(item.job.Priority)).Dec()
	return item.job
}

// removePending drops a job from the heap by id. Caller holds the lock.
func (m *Manager) removePending(id string) {
	for i, item := range m.pending {
		if item.job.ID == id {
			heap.Remove(&m.pending, i)
			observability.QueueDepth.WithLabelValues(string(item.job.Priority)).Dec()
			return
		}
	}
}

// recordDone notes a terminal job for throughput stats. Caller holds the
// lock.
func (m *Manager) recordDone(t time.Time) {
	cutoff := time.Now().Add(-2 * time.Minute)
	kept := m.doneTimes[:0]
	for _, d := range m.doneTimes {
		if d.After(cutoff) {
			kept = append(kept, d)
		}
	}
	m.doneTimes = append(kept, t)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// flatten produces the job's question list in file order, which NextIndex
// indexes into.
func flatten(files []domain.AnswerFile) []domain.GradingRequest {
	var out []domain.GradingRequest
	for _, f := range files {
		for _, q := range f.Questions {
			if q.StudentID == "" {
				q.StudentID = f.StudentID
			}
			out = append(out, q)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
