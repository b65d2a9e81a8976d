package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// Queue — нужная диспетчеру часть очереди публикаций.
type Queue interface {
	Due(ctx context.Context, now time.Time, limit int) ([]domain.PublishJob, error)
	Claim(ctx context.Context, jobID string) (int, bool, error)
	RecordSuccess(ctx context.Context, job domain.PublishJob, attempt int) error
	RecordFailure(ctx context.Context, job domain.PublishJob, attempt int, cause error) error
	ReleaseStale(ctx context.Context, stuckFor time.Duration) (int, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Config задаёт параметры цикла диспетчера.
type Config struct {
	// Interval — период между тиками выборки готовых задач.
	Interval time.Duration
	// FanOut — максимум одновременно обрабатываемых задач за тик.
	FanOut int
	// PublishTimeout ограничивает один вызов внешнего издателя.
	PublishTimeout time.Duration
	// StaleAfter — порог, после которого processing считается зависшим.
	StaleAfter time.Duration
	// DueBatch — размер выборки готовых задач за тик.
	DueBatch int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 100
	}
	return c
}

// Service — периодический диспетчер: забирает готовые задачи, проверяет
// учётные данные площадки и вызывает издателя. Взаимное исключение между
// экземплярами обеспечивает атомарный Claim очереди, а не сам диспетчер.
type Service struct {
	queue      Queue
	creds      domain.CredentialProvider
	publishers map[domain.Platform]domain.Publisher
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewService создаёт диспетчер.
func NewService(queue Queue, creds domain.CredentialProvider, publishers map[domain.Platform]domain.Publisher, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		queue:      queue,
		creds:      creds,
		publishers: publishers,
		cfg:        cfg.withDefaults(),
		log:        logger,
		now:        time.Now,
	}
}

// Run крутит цикл до отмены контекста. При остановке новые задачи не
// захватываются, начатые дорабатываются до конца.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.cfg.FanOut)
	var wg sync.WaitGroup

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("fan_out", s.cfg.FanOut).
		Msg("dispatcher: цикл запущен")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("dispatcher: остановка, ждём начатые задачи")
			wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx, sem, &wg)
		}
	}
}

// tick выполняет один проход: чистка зависших, выборка готовых, захват и
// обработка с ограничением параллелизма.
func (s *Service) tick(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	released, err := s.queue.ReleaseStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatcher: не удалось вернуть зависшие задачи")
	} else if released > 0 {
		metrics.AddStaleReleased(released)
		s.log.Warn().Int("released", released).Msg("dispatcher: возвращены зависшие задачи")
	}

	if depth, err := s.queue.QueueDepth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}

	due, err := s.queue.Due(ctx, s.now(), s.cfg.DueBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatcher: ошибка выборки готовых задач")
		return
	}

	for _, job := range due {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(job domain.PublishJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.process(ctx, job)
		}(job)
	}
}

// process обрабатывает одну задачу: захват, учётные данные, публикация, исход.
func (s *Service) process(ctx context.Context, job domain.PublishJob) {
	attempt, claimed, err := s.queue.Claim(ctx, job.ID)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: ошибка захвата задачи")
		return
	}
	if !claimed {
		// Задачу забрал другой экземпляр или её успели отменить.
		return
	}

	// После захвата попытка доводится до записанного исхода даже при
	// остановке: иначе задача зависнет в processing до recovery-чистки.
	ctx = context.WithoutCancel(ctx)

	log := s.log.With().Str("job_id", job.ID).Str("platform", string(job.Platform)).Int("attempt", attempt).Logger()

	creds, err := s.creds.GetValidCredentials(ctx, job.UserID, job.Platform)
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher: учётные данные площадки непригодны")
		s.recordFailure(ctx, log, job, attempt, err)
		return
	}

	publisher, ok := s.publishers[job.Platform]
	if !ok {
		s.recordFailure(ctx, log, job, attempt, fmt.Errorf("издатель для площадки %s не настроен", job.Platform))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	result, err := publisher.Publish(pubCtx, job, creds)
	metrics.ObservePublishAttempt(string(job.Platform), start, err)
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher: публикация не удалась")
		s.recordFailure(ctx, log, job, attempt, err)
		return
	}

	log.Info().Str("platform_post_id", result.PlatformPostID).Msg("dispatcher: публикация подтверждена")
	if err := s.queue.RecordSuccess(ctx, job, attempt); err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось зафиксировать успех")
	}
}

func (s *Service) recordFailure(ctx context.Context, log zerolog.Logger, job domain.PublishJob, attempt int, cause error) {
	if err := s.queue.RecordFailure(ctx, job, attempt, cause); err != nil {
		log.Error().Err(err).Msg("dispatcher: не удалось зафиксировать провал")
	}
}
