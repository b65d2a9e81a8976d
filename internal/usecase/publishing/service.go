package publishing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
	"smm-autoposter/internal/usecase/retry"
)

// ErrInvalidContent возвращается при попытке запланировать пустой пост.
var ErrInvalidContent = errors.New("invalid content")

// ErrUnknownPlatform возвращается для неподдерживаемой площадки.
var ErrUnknownPlatform = errors.New("unknown platform")

const notifyDedupTTL = 24 * time.Hour

// QuotaConsumer — списание квоты после подтверждённой публикации.
type QuotaConsumer interface {
	TryConsume(ctx context.Context, userID int64, platform domain.Platform) (bool, error)
}

// Service реализует очередь задач публикации: постановка, выборка готовых,
// атомарный захват и фиксация исхода. Машина состояний:
// pending → processing → {retrying → processing}* → {succeeded | failed};
// cancelled достижим только из pending и retrying.
type Service struct {
	jobs     domain.JobRepo
	quota    QuotaConsumer
	policy   *retry.Engine
	events   domain.EventSink
	notifier domain.OpsNotifier
	cache    domain.Cache
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт очередь публикаций. events, notifier и cache могут быть
// nil: события и уведомления тогда не отправляются.
func NewService(jobs domain.JobRepo, quota QuotaConsumer, policy *retry.Engine, events domain.EventSink, notifier domain.OpsNotifier, cache domain.Cache, logger zerolog.Logger) *Service {
	return &Service{
		jobs:     jobs,
		quota:    quota,
		policy:   policy,
		events:   events,
		notifier: notifier,
		cache:    cache,
		log:      logger,
		now:      time.Now,
	}
}

// Enqueue ставит задачу публикации в очередь. Повторная постановка активной
// пары (пост, площадка) даёт domain.ErrDuplicateJob.
func (s *Service) Enqueue(ctx context.Context, userID, postID int64, platform domain.Platform, content string, scheduledAt time.Time) (domain.PublishJob, error) {
	if !domain.IsKnownPlatform(platform) {
		return domain.PublishJob{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	if content == "" {
		return domain.PublishJob{}, ErrInvalidContent
	}
	now := s.now().UTC()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	job := domain.PublishJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		PostID:      postID,
		Platform:    platform,
		Content:     content,
		ScheduledAt: scheduledAt.UTC(),
		MaxAttempts: s.policy.MaxAttempts(platform),
		Status:      domain.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return domain.PublishJob{}, fmt.Errorf("постановка задачи: %w", err)
	}
	metrics.IncJobsEnqueued(string(platform))
	return created, nil
}

// Due возвращает задачи, готовые к выполнению. Состояние не меняется:
// выборку можно повторять сколько угодно раз.
func (s *Service) Due(ctx context.Context, now time.Time, limit int) ([]domain.PublishJob, error) {
	return s.jobs.DueJobs(ctx, now.UTC(), limit)
}

// Claim атомарно захватывает задачу под обработку. false означает, что
// задачу уже забрал другой диспетчер.
func (s *Service) Claim(ctx context.Context, jobID string) (int, bool, error) {
	attempt, claimed, err := s.jobs.ClaimJob(ctx, jobID)
	if err != nil {
		return 0, false, fmt.Errorf("захват задачи: %w", err)
	}
	if !claimed {
		metrics.IncClaimConflict()
	}
	return attempt, claimed, nil
}

// Cancel отменяет задачу, если она ещё не в обработке и не в конечном
// состоянии.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := s.jobs.CancelJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("отмена задачи: %w", err)
	}
	if cancelled {
		job, err := s.jobs.GetJob(ctx, jobID)
		if err == nil {
			s.emitEvent(ctx, job, domain.JobEventCancelled)
		}
	}
	return cancelled, nil
}

// Get возвращает задачу по идентификатору.
func (s *Service) Get(ctx context.Context, jobID string) (domain.PublishJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListUserJobs возвращает задачи пользователя для дашборда.
func (s *Service) ListUserJobs(ctx context.Context, userID int64, limit, offset int) ([]domain.PublishJob, error) {
	return s.jobs.ListUserJobs(ctx, userID, limit, offset)
}

// RecordSuccess фиксирует подтверждённую публикацию: списывает квоту и
// закрывает задачу. Если квота исчерпалась между проверкой и списанием,
// публикацию на площадке уже не откатить — задача закрывается как failed
// с категорией quota_exceeded, а расхождение остаётся в last_error.
func (s *Service) RecordSuccess(ctx context.Context, job domain.PublishJob, attempt int) error {
	consumed, err := s.quota.TryConsume(ctx, job.UserID, job.Platform)
	if err != nil {
		return fmt.Errorf("списание квоты: %w", err)
	}
	job.Attempts = attempt
	if !consumed {
		msg := "публикация на площадке прошла, но квота периода уже исчерпана"
		if err := s.jobs.MarkFailed(ctx, job.ID, domain.ErrKindQuota, msg); err != nil {
			return fmt.Errorf("фиксация исхода: %w", err)
		}
		job.LastErrorKind = domain.ErrKindQuota
		job.LastErrorMsg = msg
		metrics.IncQuotaDenied(string(job.Platform))
		metrics.IncJobOutcome(string(job.Platform), "failed")
		s.emitEvent(ctx, job, domain.JobEventFailed)
		s.notifyFailure(ctx, job)
		return nil
	}
	if err := s.jobs.MarkSucceeded(ctx, job.ID); err != nil {
		return fmt.Errorf("фиксация исхода: %w", err)
	}
	metrics.IncJobOutcome(string(job.Platform), "succeeded")
	s.emitEvent(ctx, job, domain.JobEventSucceeded)
	return nil
}

// RecordFailure фиксирует неудачную попытку: классифицирует ошибку и по
// политике повторов переводит задачу в retrying либо в конечный failed.
func (s *Service) RecordFailure(ctx context.Context, job domain.PublishJob, attempt int, cause error) error {
	kind := retry.Classify(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	job.Attempts = attempt
	job.LastErrorKind = kind
	job.LastErrorMsg = msg

	decision := s.policy.Decide(job.Platform, kind, attempt)
	if decision.Retry {
		nextRetryAt := s.now().UTC().Add(decision.Delay)
		if err := s.jobs.MarkRetrying(ctx, job.ID, kind, msg, nextRetryAt); err != nil {
			return fmt.Errorf("планирование повтора: %w", err)
		}
		metrics.IncJobOutcome(string(job.Platform), "retrying")
		return nil
	}

	if err := s.jobs.MarkFailed(ctx, job.ID, kind, msg); err != nil {
		return fmt.Errorf("фиксация исхода: %w", err)
	}
	metrics.IncJobOutcome(string(job.Platform), "failed")
	s.emitEvent(ctx, job, domain.JobEventFailed)
	s.notifyFailure(ctx, job)
	return nil
}

const staleExhaustedMsg = "диспетчер не записал исход последней попытки"

// ReleaseStale возвращает в очередь задачи, застрявшие в processing. Задачи,
// у которых лимит попыток уже выбран, закрываются провалом: повторный захват
// превысил бы max_attempts.
func (s *Service) ReleaseStale(ctx context.Context, stuckFor time.Duration) (int, error) {
	stuckBefore := s.now().UTC().Add(-stuckFor)
	failed, err := s.jobs.FailStaleExhausted(ctx, stuckBefore, domain.ErrKindServer, staleExhaustedMsg)
	if err != nil {
		return 0, fmt.Errorf("закрытие зависших задач: %w", err)
	}
	for _, job := range failed {
		metrics.IncJobOutcome(string(job.Platform), "failed")
		s.emitEvent(ctx, job, domain.JobEventFailed)
		s.notifyFailure(ctx, job)
	}
	released, err := s.jobs.ReleaseStale(ctx, stuckBefore)
	if err != nil {
		return len(failed), fmt.Errorf("возврат зависших задач: %w", err)
	}
	return released + len(failed), nil
}

// QueueDepth возвращает количество активных задач.
func (s *Service) QueueDepth(ctx context.Context) (int, error) {
	return s.jobs.CountActive(ctx)
}

func (s *Service) emitEvent(ctx context.Context, job domain.PublishJob, eventType domain.JobEventType) {
	if s.events == nil {
		return
	}
	event := domain.JobEvent{
		Type:       eventType,
		JobID:      job.ID,
		UserID:     job.UserID,
		PostID:     job.PostID,
		Platform:   job.Platform,
		Attempts:   job.Attempts,
		ErrorKind:  job.LastErrorKind,
		ErrorMsg:   job.LastErrorMsg,
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("queue: не удалось отправить событие задачи")
	}
}

func (s *Service) notifyFailure(ctx context.Context, job domain.PublishJob) {
	if s.notifier == nil {
		return
	}
	send := func() error { return s.notifier.NotifyJobFailed(ctx, job) }
	var err error
	if s.cache != nil {
		err = s.cache.Once("notify:job_failed:"+job.ID, notifyDedupTTL, send)
	} else {
		err = send()
	}
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("queue: не удалось уведомить о провале задачи")
	}
}
