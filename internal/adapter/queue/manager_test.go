package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-answer-grader/internal/config"
	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// fakeQueueGrader records chunk sizes and can block mid-call so tests can
// interleave pause requests with a processing job.
type fakeQueueGrader struct {
	mu      sync.Mutex
	chunks  []int
	err     error
	entered chan struct{} // signaled at call start when non-nil
	proceed chan struct{} // call blocks on this when non-nil
}

func (g *fakeQueueGrader) GradeQuestions(_ domain.Context, reqs []domain.GradingRequest) ([]domain.GradingVerdict, []string, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.proceed != nil {
		<-g.proceed
	}
	g.mu.Lock()
	g.chunks = append(g.chunks, len(reqs))
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	out := make([]domain.GradingVerdict, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, domain.GradingVerdict{
			QuestionNumber: r.QuestionNumber,
			IsCorrect:      true,
			PointsEarned:   r.PointsPossible,
			Confidence:     0.9,
			Method:         domain.MethodEmbedding,
		})
	}
	return out, nil, nil
}

func (g *fakeQueueGrader) chunkSizes() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.chunks...)
}

func testQueueConfig() config.Config {
	return config.Config{
		QueueMinWorkers:   1,
		QueueMaxWorkers:   2,
		QueueScaleEvery:   10 * time.Millisecond,
		WorkerIdleTimeout: time.Second,
		JobMaxRetries:     2,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
		RetryMultiplier:   2,
	}
}

func answerFiles(questions int) []domain.AnswerFile {
	qs := make([]domain.GradingRequest, 0, questions)
	for i := 1; i <= questions; i++ {
		qs = append(qs, domain.GradingRequest{
			QuestionNumber:  i,
			QuestionText:    fmt.Sprintf("question %d", i),
			StudentAnswer:   "answer",
			ReferenceAnswer: "answer",
			PointsPossible:  5,
		})
	}
	return []domain.AnswerFile{{Name: "sheet.json", StudentID: "student-1", Questions: qs}}
}

// waitForStatus polls until the job reaches status or the deadline passes.
func waitForStatus(t *testing.T, m *Manager, id string, status domain.JobStatus) domain.BatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j.Status == status {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := m.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached %s (currently %s)", id, status, j.Status)
	return domain.BatchJob{}
}

func TestCreateJob_Validation(t *testing.T) {
	m := NewManager(testQueueConfig(), &fakeQueueGrader{})
	ctx := context.Background()

	_, err := m.CreateJob(ctx, nil, domain.PriorityNormal)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("no files: err = %v, want ErrInvalidArgument", err)
	}
	_, err = m.CreateJob(ctx, []domain.AnswerFile{{Name: "empty.json"}}, domain.PriorityNormal)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("no questions: err = %v, want ErrInvalidArgument", err)
	}
	_, err = m.CreateJob(ctx, answerFiles(1), domain.JobPriority("rush"))
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad priority: err = %v, want ErrInvalidArgument", err)
	}
}

func TestQueue_PriorityOrderWithFIFOWithinTier(t *testing.T) {
	// No Start: jobs stay in the heap so dequeue order is observable.
	m := NewManager(testQueueConfig(), &fakeQueueGrader{})
	ctx := context.Background()

	normalA, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityNormal)
	urgentB, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityUrgent)
	normalC, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityNormal)
	lowD, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityLow)
	urgentE, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityUrgent)
	highF, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityHigh)

	want := []string{urgentB, urgentE, highF, normalA, normalC, lowD}
	for i, wantID := range want {
		j := m.pop()
		if j == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		if j.ID != wantID {
			t.Fatalf("pop %d = job %s, want %s", i, j.ID, wantID)
		}
	}
	if j := m.pop(); j != nil {
		t.Fatalf("heap not empty after draining: %s", j.ID)
	}
}

func TestQueue_UrgentJobDispatchedBeforeQueuedNormal(t *testing.T) {
	// One worker, blocked on the first job. Normal jobs pile up, then an
	// urgent one arrives last; it must run next anyway.
	grader := &fakeQueueGrader{entered: make(chan struct{}, 8), proceed: make(chan struct{})}
	cfg := testQueueConfig()
	cfg.QueueMaxWorkers = 1 // keep the pool at one worker so order is observable
	m := NewManager(cfg, grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	first, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityNormal)
	<-grader.entered // worker is now inside job one

	normal, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityNormal)
	urgent, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityUrgent)

	// Release all grading calls from here on.
	go func() {
		for {
			select {
			case grader.proceed <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	waitForStatus(t, m, first, domain.JobCompleted)
	u := waitForStatus(t, m, urgent, domain.JobCompleted)
	n := waitForStatus(t, m, normal, domain.JobCompleted)
	if !u.CompletedAt.Before(*n.CompletedAt) && !u.CompletedAt.Equal(*n.CompletedAt) {
		t.Fatalf("urgent completed at %v, after normal at %v", u.CompletedAt, n.CompletedAt)
	}
	// Drain the entered signals emitted after the first.
	for len(grader.entered) > 0 {
		<-grader.entered
	}
}

func TestRunJob_CompletesWithOneVerdictPerQuestion(t *testing.T) {
	grader := &fakeQueueGrader{}
	m := NewManager(testQueueConfig(), grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, err := m.CreateJob(ctx, answerFiles(12), domain.PriorityNormal)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	j := waitForStatus(t, m, id, domain.JobCompleted)
	if len(j.Results) != 12 {
		t.Fatalf("results = %d, want 12", len(j.Results))
	}
	if j.Progress != 100 {
		t.Fatalf("progress = %v, want 100", j.Progress)
	}
	if j.CompletedAt == nil || j.StartedAt == nil {
		t.Fatal("timestamps not stamped")
	}
	// 12 questions grade as chunks of five.
	sizes := grader.chunkSizes()
	if len(sizes) != 3 || sizes[0] != 5 || sizes[1] != 5 || sizes[2] != 2 {
		t.Fatalf("chunk sizes = %v, want [5 5 2]", sizes)
	}
}

func TestPause_QueuedJobLeavesHeapImmediately(t *testing.T) {
	m := NewManager(testQueueConfig(), &fakeQueueGrader{})
	ctx := context.Background()

	id, _ := m.CreateJob(ctx, answerFiles(3), domain.PriorityNormal)
	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}

	j, _ := m.GetJob(ctx, id)
	if j.Status != domain.JobPaused {
		t.Fatalf("status = %s, want paused", j.Status)
	}
	if got := m.pop(); got != nil {
		t.Fatal("paused job still in the pending heap")
	}

	if err := m.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := m.pop()
	if got == nil || got.ID != id {
		t.Fatal("resumed job not back in the heap")
	}
}

func TestPause_ProcessingJobStopsAtChunkBoundaryAndResumes(t *testing.T) {
	grader := &fakeQueueGrader{entered: make(chan struct{}, 4), proceed: make(chan struct{})}
	m := NewManager(testQueueConfig(), grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, err := m.CreateJob(ctx, answerFiles(7), domain.PriorityNormal)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	<-grader.entered // worker is inside the first chunk (questions 1-5)
	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	grader.proceed <- struct{}{} // let the chunk finish

	j := waitForStatus(t, m, id, domain.JobPaused)
	if j.NextIndex != 5 {
		t.Fatalf("next index = %d, want 5 (cursor at the chunk boundary)", j.NextIndex)
	}
	if len(j.Results) != 5 {
		t.Fatalf("results while paused = %d, want 5", len(j.Results))
	}

	if err := m.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	<-grader.entered // second chunk (questions 6-7)
	grader.proceed <- struct{}{}

	j = waitForStatus(t, m, id, domain.JobCompleted)
	if len(j.Results) != 7 {
		t.Fatalf("results = %d, want 7", len(j.Results))
	}
	// The first five questions must not have been regraded after the resume.
	sizes := grader.chunkSizes()
	if len(sizes) != 2 || sizes[0] != 5 || sizes[1] != 2 {
		t.Fatalf("chunk sizes = %v, want [5 2]", sizes)
	}
}

func TestFailOrRetry_ExhaustionMarksJobFailed(t *testing.T) {
	grader := &fakeQueueGrader{err: errors.New("grading backend down")}
	m := NewManager(testQueueConfig(), grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, _ := m.CreateJob(ctx, answerFiles(2), domain.PriorityNormal)

	j := waitForStatus(t, m, id, domain.JobFailed)
	if j.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", j.RetryCount)
	}
	if len(j.Errors) == 0 {
		t.Fatal("failed job carries no error notes")
	}
	if j.CompletedAt == nil {
		t.Fatal("failed job has no terminal timestamp")
	}
}

func TestPause_RequestClearedWhenJobGoesTerminal(t *testing.T) {
	grader := &fakeQueueGrader{
		err:     errors.New("grading backend down"),
		entered: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
	cfg := testQueueConfig()
	cfg.JobMaxRetries = 0
	m := NewManager(cfg, grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, err := m.CreateJob(ctx, answerFiles(2), domain.PriorityNormal)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Pause while the only attempt is in flight; the failure then beats the
	// pause to a terminal state.
	<-grader.entered
	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	grader.proceed <- struct{}{}

	waitForStatus(t, m, id, domain.JobFailed)
	m.mu.Lock()
	_, stale := m.pauseReq[id]
	m.mu.Unlock()
	if stale {
		t.Fatal("pause request survived the job's terminal transition")
	}
}

func TestStats(t *testing.T) {
	grader := &fakeQueueGrader{}
	m := NewManager(testQueueConfig(), grader, WithSavingsFunc(func(domain.Context) float64 { return 12.5 }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, _ := m.CreateJob(ctx, answerFiles(2), domain.PriorityNormal)
	waitForStatus(t, m, id, domain.JobCompleted)

	s := m.Stats(ctx)
	if s.QueueDepth != 0 {
		t.Fatalf("queue depth = %d, want 0", s.QueueDepth)
	}
	if s.SuccessRate != 1 {
		t.Fatalf("success rate = %v, want 1", s.SuccessRate)
	}
	if s.ThroughputPerMin != 1 {
		t.Fatalf("throughput = %v, want 1", s.ThroughputPerMin)
	}
	if s.SavingsUSD != 12.5 {
		t.Fatalf("savings = %v, want 12.5", s.SavingsUSD)
	}
}

func TestGetJob_UnknownID(t *testing.T) {
	m := NewManager(testQueueConfig(), &fakeQueueGrader{})
	_, err := m.GetJob(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// memJobRepo is a minimal in-memory JobRepository for recovery paths.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.BatchJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]domain.BatchJob)}
}

func (r *memJobRepo) Create(_ domain.Context, j domain.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
	return nil
}

func (r *memJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) UpdateProgress(_ domain.Context, id string, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Progress = progress
	r.jobs[id] = j
	return nil
}

func (r *memJobRepo) Get(_ domain.Context, id string) (domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.BatchJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *memJobRepo) ListStuckProcessing(_ domain.Context, _ time.Time, _ int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, j := range r.jobs {
		if j.Status == domain.JobProcessing {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestRequeueStuck_LoadsFromRepository(t *testing.T) {
	repo := newMemJobRepo()
	stuck := domain.BatchJob{
		ID:       "stale-job",
		Files:    answerFiles(2),
		Priority: domain.PriorityNormal,
		Status:   domain.JobProcessing, // left behind by a crashed process
	}
	if err := repo.Create(context.Background(), stuck); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	m := NewManager(testQueueConfig(), &fakeQueueGrader{}, WithJobRepository(repo))
	if err := m.RequeueStuck(context.Background(), "stale-job"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	j := m.pop()
	if j == nil || j.ID != "stale-job" {
		t.Fatal("stuck job not requeued into the heap")
	}
	if j.Status != domain.JobQueued {
		t.Fatalf("status = %s, want queued", j.Status)
	}
}

func TestRequeueStuck_SkipsActivelyProcessingJob(t *testing.T) {
	grader := &fakeQueueGrader{entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	m := NewManager(testQueueConfig(), grader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	id, _ := m.CreateJob(ctx, answerFiles(1), domain.PriorityNormal)
	<-grader.entered // job is owned by a live worker

	if err := m.RequeueStuck(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got := m.pop(); got != nil {
		t.Fatal("actively processing job must not be requeued")
	}
	grader.proceed <- struct{}{}
	waitForStatus(t, m, id, domain.JobCompleted)
}
