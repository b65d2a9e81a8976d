package publishing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/usecase/retry"
)

type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.PublishJob
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{jobs: make(map[string]domain.PublishJob)}
}

func (m *memoryJobRepo) CreateJob(_ context.Context, job domain.PublishJob) (domain.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.PostID == job.PostID && existing.Platform == job.Platform && !existing.Status.IsTerminal() {
			return domain.PublishJob{}, domain.ErrDuplicateJob
		}
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memoryJobRepo) GetJob(_ context.Context, jobID string) (domain.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.PublishJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *memoryJobRepo) DueJobs(_ context.Context, now time.Time, limit int) ([]domain.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.PublishJob
	for _, job := range m.jobs {
		if len(due) >= limit {
			break
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		switch job.Status {
		case domain.JobStatusPending:
			due = append(due, job)
		case domain.JobStatusRetrying:
			if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
				due = append(due, job)
			}
		}
	}
	return due, nil
}

func (m *memoryJobRepo) ClaimJob(_ context.Context, jobID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return 0, false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRetrying {
		return 0, false, nil
	}
	job.Status = domain.JobStatusProcessing
	job.Attempts++
	job.UpdatedAt = time.Now()
	m.jobs[jobID] = job
	return job.Attempts, true, nil
}

func (m *memoryJobRepo) MarkSucceeded(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.Status = domain.JobStatusSucceeded
	job.NextRetryAt = nil
	m.jobs[jobID] = job
	return nil
}

func (m *memoryJobRepo) MarkRetrying(_ context.Context, jobID string, kind domain.ErrorKind, msg string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.Status = domain.JobStatusRetrying
	job.LastErrorKind = kind
	job.LastErrorMsg = msg
	job.NextRetryAt = &nextRetryAt
	m.jobs[jobID] = job
	return nil
}

func (m *memoryJobRepo) MarkFailed(_ context.Context, jobID string, kind domain.ErrorKind, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.Status = domain.JobStatusFailed
	job.LastErrorKind = kind
	job.LastErrorMsg = msg
	job.NextRetryAt = nil
	m.jobs[jobID] = job
	return nil
}

func (m *memoryJobRepo) CancelJob(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRetrying {
		return false, nil
	}
	job.Status = domain.JobStatusCancelled
	m.jobs[jobID] = job
	return true, nil
}

func (m *memoryJobRepo) ListUserJobs(_ context.Context, userID int64, limit, offset int) ([]domain.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PublishJob
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memoryJobRepo) ReleaseStale(_ context.Context, stuckBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for id, job := range m.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(stuckBefore) && job.Attempts < job.MaxAttempts {
			job.Status = domain.JobStatusRetrying
			now := time.Now()
			job.NextRetryAt = &now
			m.jobs[id] = job
			released++
		}
	}
	return released, nil
}

func (m *memoryJobRepo) FailStaleExhausted(_ context.Context, stuckBefore time.Time, kind domain.ErrorKind, msg string) ([]domain.PublishJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []domain.PublishJob
	for id, job := range m.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(stuckBefore) && job.Attempts >= job.MaxAttempts {
			job.Status = domain.JobStatusFailed
			job.LastErrorKind = kind
			job.LastErrorMsg = msg
			job.NextRetryAt = nil
			m.jobs[id] = job
			failed = append(failed, job)
		}
	}
	return failed, nil
}

func (m *memoryJobRepo) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if !job.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

type stubQuota struct {
	mu        sync.Mutex
	remaining int
	consumed  int
}

func (s *stubQuota) TryConsume(context.Context, int64, domain.Platform) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining <= 0 {
		return false, nil
	}
	s.remaining--
	s.consumed++
	return true, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (r *recordingSink) PublishEvent(_ context.Context, event domain.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingNotifier) NotifyJobFailed(context.Context, domain.PublishJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type onceCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *onceCache) Once(key string, _ time.Duration, fn func() error) error {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[key] {
		c.mu.Unlock()
		return nil
	}
	c.seen[key] = true
	c.mu.Unlock()
	return fn()
}

func (c *onceCache) Set(string, []byte, time.Duration) error { return nil }
func (c *onceCache) Get(string) ([]byte, error)              { return nil, nil }

type queueFixture struct {
	svc      *Service
	repo     *memoryJobRepo
	quota    *stubQuota
	sink     *recordingSink
	notifier *recordingNotifier
}

func newQueueFixture(remaining int) *queueFixture {
	repo := newMemoryJobRepo()
	quota := &stubQuota{remaining: remaining}
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	svc := NewService(repo, quota, retry.NewEngine(DefaultTestPolicies()), sink, notifier, &onceCache{}, zerolog.Nop())
	return &queueFixture{svc: svc, repo: repo, quota: quota, sink: sink, notifier: notifier}
}

// DefaultTestPolicies — штатные политики без джиттера для точных задержек.
func DefaultTestPolicies() map[domain.Platform]retry.Policy {
	return retry.DefaultPolicies()
}

func TestEnqueueRejectsDuplicateActiveJob(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()

	if _, err := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	_, err := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст ещё раз", time.Now())
	if !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("ожидали ErrDuplicateJob, получили %v", err)
	}
	// Та же публикация на другой площадке — отдельная задача.
	if _, err := f.svc.Enqueue(ctx, 1, 100, domain.PlatformLinkedIn, "текст", time.Now()); err != nil {
		t.Fatalf("вторая площадка не должна считаться дублем: %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()

	if _, err := f.svc.Enqueue(ctx, 1, 100, domain.Platform("myspace"), "текст", time.Now()); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("ожидали ErrUnknownPlatform, получили %v", err)
	}
	if _, err := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "", time.Now()); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("ожидали ErrInvalidContent, получили %v", err)
	}
}

func TestEnqueueSetsMaxAttemptsFromPolicy(t *testing.T) {
	f := newQueueFixture(10)
	job, err := f.svc.Enqueue(context.Background(), 1, 100, domain.PlatformLinkedIn, "текст", time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("для linkedin ожидали 3 попытки, получили %d", job.MaxAttempts)
	}
	if job.Status != domain.JobStatusPending {
		t.Fatalf("новая задача должна быть в pending")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, err := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	const dispatchers = 8
	var wg sync.WaitGroup
	claims := make(chan bool, dispatchers)
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := f.svc.Claim(ctx, job.ID)
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
				return
			}
			claims <- claimed
		}()
	}
	wg.Wait()
	close(claims)

	wins := 0
	for claimed := range claims {
		if claimed {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("захват должен удаться ровно одному диспетчеру, удалось %d", wins)
	}
}

func TestRecordFailureSchedulesRetry(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	attempt, claimed, _ := f.svc.Claim(ctx, job.ID)
	if !claimed || attempt != 1 {
		t.Fatalf("ожидали первый успешный захват")
	}

	before := time.Now()
	if err := f.svc.RecordFailure(ctx, job, attempt, errors.New("request timed out")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusRetrying {
		t.Fatalf("ожидали retrying, получили %s", stored.Status)
	}
	if stored.LastErrorKind != domain.ErrKindNetwork {
		t.Fatalf("таймаут должен классифицироваться как network_error")
	}
	if stored.Attempts != 1 {
		t.Fatalf("после первой попытки attempts=1, получили %d", stored.Attempts)
	}
	if stored.NextRetryAt == nil {
		t.Fatalf("retrying обязан иметь next_retry_at")
	}
	// facebook: базовая задержка 60 секунд.
	delay := stored.NextRetryAt.Sub(before)
	if delay < 59*time.Second || delay > 62*time.Second {
		t.Fatalf("ожидали повтор примерно через 60s, получили %s", delay)
	}
}

func TestRecordFailureTerminalAfterMaxAttempts(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformLinkedIn, "текст", time.Now())

	netErr := errors.New("connection refused")
	for expected := 1; expected <= 3; expected++ {
		attempt, claimed, _ := f.svc.Claim(ctx, job.ID)
		if !claimed {
			t.Fatalf("попытка %d: захват должен удаться", expected)
		}
		if attempt != expected {
			t.Fatalf("номер попытки должен расти монотонно: ожидали %d, получили %d", expected, attempt)
		}
		if err := f.svc.RecordFailure(ctx, job, attempt, netErr); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("после трёх провалов linkedin задача должна стать failed, получили %s", stored.Status)
	}
	if stored.Attempts > stored.MaxAttempts {
		t.Fatalf("attempts не может превышать max_attempts")
	}
	if _, claimed, _ := f.svc.Claim(ctx, job.ID); claimed {
		t.Fatalf("конечное состояние не должно захватываться")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("ожидали одно уведомление о провале, получили %d", f.notifier.calls)
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Type != domain.JobEventFailed {
		t.Fatalf("ожидали одно событие job_failed")
	}
}

func TestRecordFailureNonRetryableFailsImmediately(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	attempt, _, _ := f.svc.Claim(ctx, job.ID)

	cause := &domain.PlatformError{Platform: domain.PlatformFacebook, StatusCode: 422, Message: "content rejected"}
	if err := f.svc.RecordFailure(ctx, job, attempt, cause); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("validation_error должна проваливать задачу с первой попытки")
	}
	if stored.LastErrorKind != domain.ErrKindValidation {
		t.Fatalf("ожидали validation_error, получили %s", stored.LastErrorKind)
	}
}

func TestRecordSuccessConsumesQuota(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	attempt, _, _ := f.svc.Claim(ctx, job.ID)

	if err := f.svc.RecordSuccess(ctx, job, attempt); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusSucceeded {
		t.Fatalf("ожидали succeeded, получили %s", stored.Status)
	}
	if f.quota.consumed != 1 {
		t.Fatalf("успех должен списать ровно одну единицу квоты")
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Type != domain.JobEventSucceeded {
		t.Fatalf("ожидали событие job_succeeded")
	}
}

func TestRecordSuccessWithExhaustedQuota(t *testing.T) {
	f := newQueueFixture(0)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	attempt, _, _ := f.svc.Claim(ctx, job.ID)

	if err := f.svc.RecordSuccess(ctx, job, attempt); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("при исчерпанной квоте задача закрывается как failed")
	}
	if stored.LastErrorKind != domain.ErrKindQuota {
		t.Fatalf("ожидали quota_exceeded, получили %s", stored.LastErrorKind)
	}
	if f.quota.consumed != 0 {
		t.Fatalf("отказ не должен менять потребление квоты")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("о расхождении с квотой нужно уведомить")
	}
}

func TestCancelOnlyBeforeDispatch(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()

	pending, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	if ok, _ := f.svc.Cancel(ctx, pending.ID); !ok {
		t.Fatalf("pending задача должна отменяться")
	}

	inflight, _ := f.svc.Enqueue(ctx, 1, 101, domain.PlatformFacebook, "текст", time.Now())
	if _, claimed, _ := f.svc.Claim(ctx, inflight.ID); !claimed {
		t.Fatalf("ожидали успешный захват")
	}
	if ok, _ := f.svc.Cancel(ctx, inflight.ID); ok {
		t.Fatalf("processing задача не должна отменяться на лету")
	}
}

func TestDueJobsRespectsNextRetryAt(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformLinkedIn, "текст", time.Now().Add(-time.Minute))
	attempt, _, _ := f.svc.Claim(ctx, job.ID)
	_ = f.svc.RecordFailure(ctx, job, attempt, errors.New("connection refused"))

	// Повтор назначен на +300s: сейчас задача ещё не готова.
	due, err := f.svc.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("до next_retry_at задача не должна попадать в выборку")
	}

	due, err = f.svc.Due(ctx, time.Now().Add(301*time.Second), 10)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("после next_retry_at задача должна вернуться в выборку")
	}
}

func TestFailureNotificationDeduplicated(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformFacebook, "текст", time.Now())
	attempt, _, _ := f.svc.Claim(ctx, job.ID)

	cause := &domain.PlatformError{Platform: domain.PlatformFacebook, StatusCode: 400, Message: "bad request"}
	_ = f.svc.RecordFailure(ctx, job, attempt, cause)
	_ = f.svc.RecordFailure(ctx, job, attempt, cause)

	if f.notifier.calls != 1 {
		t.Fatalf("уведомление об одной задаче должно уходить один раз, ушло %d", f.notifier.calls)
	}
}

// backdateJob сдвигает updated_at задачи в прошлое, имитируя диспетчер,
// умерший посреди обработки.
func (m *memoryJobRepo) backdateJob(jobID string, to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.UpdatedAt = to
	m.jobs[jobID] = job
}

func TestReleaseStaleRequeuesStuckJob(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformLinkedIn, "текст", time.Now())
	if _, claimed, _ := f.svc.Claim(ctx, job.ID); !claimed {
		t.Fatalf("захват должен удаться")
	}
	f.repo.backdateJob(job.ID, time.Now().Add(-time.Hour))

	released, err := f.svc.ReleaseStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if released != 1 {
		t.Fatalf("ожидали одну освобождённую задачу, получили %d", released)
	}
	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusRetrying {
		t.Fatalf("зависшая задача с запасом попыток должна вернуться в retrying, получили %s", stored.Status)
	}
	attempt, claimed, _ := f.svc.Claim(ctx, job.ID)
	if !claimed || attempt != 2 {
		t.Fatalf("после освобождения задача должна захватываться второй попыткой, получили attempt=%d claimed=%v", attempt, claimed)
	}
}

func TestReleaseStaleFailsJobWithoutRemainingAttempts(t *testing.T) {
	f := newQueueFixture(10)
	ctx := context.Background()
	job, _ := f.svc.Enqueue(ctx, 1, 100, domain.PlatformLinkedIn, "текст", time.Now())

	// Две записанные неудачи, третий захват — последняя попытка linkedin.
	netErr := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		attempt, _, _ := f.svc.Claim(ctx, job.ID)
		_ = f.svc.RecordFailure(ctx, job, attempt, netErr)
	}
	attempt, claimed, _ := f.svc.Claim(ctx, job.ID)
	if !claimed || attempt != 3 {
		t.Fatalf("ожидали захват третьей попытки, получили attempt=%d claimed=%v", attempt, claimed)
	}
	f.repo.backdateJob(job.ID, time.Now().Add(-time.Hour))

	released, err := f.svc.ReleaseStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if released != 1 {
		t.Fatalf("ожидали одну обработанную задачу, получили %d", released)
	}
	stored, _ := f.svc.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("задача без оставшихся попыток должна закрываться провалом, получили %s", stored.Status)
	}
	if stored.Attempts > stored.MaxAttempts {
		t.Fatalf("attempts=%d не может превышать max_attempts=%d", stored.Attempts, stored.MaxAttempts)
	}
	if stored.LastErrorKind != domain.ErrKindServer {
		t.Fatalf("ожидали server_error, получили %s", stored.LastErrorKind)
	}
	if stored.LastErrorMsg == "" {
		t.Fatalf("last_error_msg должен объяснять причину провала")
	}
	if _, claimed, _ := f.svc.Claim(ctx, job.ID); claimed {
		t.Fatalf("закрытая задача не должна захватываться повторно")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("ожидали одно уведомление о провале, получили %d", f.notifier.calls)
	}
	var failedEvents int
	for _, event := range f.sink.events {
		if event.Type == domain.JobEventFailed {
			failedEvents++
		}
	}
	if failedEvents != 1 {
		t.Fatalf("ожидали одно событие job_failed, получили %d", failedEvents)
	}
}
