package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// Postgres реализует репозитории задач, квот, подписок и токенов площадок
// на основе pgxpool. Все контендные переходы выполняются условными
// обновлениями, чтобы конкурирующие диспетчеры не теряли изменения.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.JobRepo          = (*Postgres)(nil)
	_ domain.QuotaRepo        = (*Postgres)(nil)
	_ domain.SubscriptionRepo = (*Postgres)(nil)
	_ domain.TokenRepo        = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const jobColumns = `id, user_id, post_id, platform, content, scheduled_at, attempts, max_attempts, status, last_error_kind, last_error_msg, next_retry_at, created_at, updated_at`

func scanJob(row pgx.Row) (domain.PublishJob, error) {
	var (
		job         domain.PublishJob
		platform    string
		status      string
		errKind     sql.NullString
		errMsg      sql.NullString
		nextRetryAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.PostID, &platform, &job.Content, &job.ScheduledAt,
		&job.Attempts, &job.MaxAttempts, &status, &errKind, &errMsg, &nextRetryAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return domain.PublishJob{}, err
	}
	job.Platform = domain.Platform(platform)
	job.Status = domain.JobStatus(status)
	if errKind.Valid {
		job.LastErrorKind = domain.ErrorKind(errKind.String)
	}
	if errMsg.Valid {
		job.LastErrorMsg = errMsg.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	return job, nil
}

// CreateJob сохраняет новую задачу. Частичный уникальный индекс по
// (post_id, platform) для активных статусов превращает повторную постановку
// в ErrDuplicateJob.
func (p *Postgres) CreateJob(ctx context.Context, job domain.PublishJob) (domain.PublishJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO publish_jobs (id, user_id, post_id, platform, content, scheduled_at, attempts, max_attempts, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
`, job.ID, job.UserID, job.PostID, string(job.Platform), job.Content, job.ScheduledAt, job.MaxAttempts, string(domain.JobStatusPending), job.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_insert", "publish_jobs", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.PublishJob{}, domain.ErrDuplicateJob
		}
		return domain.PublishJob{}, err
	}
	job.Status = domain.JobStatusPending
	job.Attempts = 0
	return job, nil
}

// GetJob возвращает задачу по идентификатору.
func (p *Postgres) GetJob(ctx context.Context, jobID string) (domain.PublishJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	job, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id=$1`, jobID))
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_get", "publish_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PublishJob{}, domain.ErrJobNotFound
	}
	return job, err
}

// DueJobs возвращает готовые к выполнению задачи. Только чтение.
func (p *Postgres) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.PublishJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM publish_jobs
WHERE scheduled_at <= $1
  AND (status = 'pending' OR (status = 'retrying' AND next_retry_at <= $1))
ORDER BY scheduled_at
LIMIT $2
`, now, limit)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_due", "publish_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob атомарно переводит pending|retrying → processing: условие по
// статусу в WHERE гарантирует единственного победителя.
func (p *Postgres) ClaimJob(ctx context.Context, jobID string) (int, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var attempts int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE publish_jobs
SET status = 'processing', attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'retrying')
RETURNING attempts
`, jobID).Scan(&attempts)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_claim", "publish_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, true, nil
}

// MarkSucceeded закрывает задачу успехом.
func (p *Postgres) MarkSucceeded(ctx context.Context, jobID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET status = 'succeeded', next_retry_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_mark_succeeded", "publish_jobs", start, err)
	return err
}

// MarkRetrying назначает следующую попытку.
func (p *Postgres) MarkRetrying(ctx context.Context, jobID string, kind domain.ErrorKind, msg string, nextRetryAt time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET status = 'retrying', last_error_kind = $2, last_error_msg = $3, next_retry_at = $4, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, jobID, string(kind), msg, nextRetryAt)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_mark_retrying", "publish_jobs", start, err)
	return err
}

// MarkFailed закрывает задачу провалом.
func (p *Postgres) MarkFailed(ctx context.Context, jobID string, kind domain.ErrorKind, msg string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET status = 'failed', last_error_kind = $2, last_error_msg = $3, next_retry_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, jobID, string(kind), msg)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_mark_failed", "publish_jobs", start, err)
	return err
}

// CancelJob отменяет незапущенную задачу.
func (p *Postgres) CancelJob(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET status = 'cancelled', next_retry_at = NULL, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'retrying')
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_cancel", "publish_jobs", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ListUserJobs возвращает задачи пользователя, свежие первыми.
func (p *Postgres) ListUserJobs(ctx context.Context, userID int64, limit, offset int) ([]domain.PublishJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM publish_jobs
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_list", "publish_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReleaseStale возвращает в retrying задачи, зависшие в processing: диспетчер
// умер, не записав исход. Задачи без оставшихся попыток не трогает — их
// закрывает FailStaleExhausted, иначе повторный захват превысил бы лимит.
func (p *Postgres) ReleaseStale(ctx context.Context, stuckBefore time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET status = 'retrying', next_retry_at = now(), updated_at = now()
WHERE status = 'processing' AND updated_at < $1 AND attempts < max_attempts
`, stuckBefore)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_release_stale", "publish_jobs", start, err)
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected()), nil
}

// FailStaleExhausted закрывает провалом зависшие в processing задачи, у
// которых исчерпан лимит попыток, и возвращает их для событий и уведомлений.
func (p *Postgres) FailStaleExhausted(ctx context.Context, stuckBefore time.Time, kind domain.ErrorKind, msg string) ([]domain.PublishJob, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
UPDATE publish_jobs
SET status = 'failed', last_error_kind = $2, last_error_msg = $3, next_retry_at = NULL, updated_at = now()
WHERE status = 'processing' AND updated_at < $1 AND attempts >= max_attempts
RETURNING `+jobColumns+`
`, stuckBefore, string(kind), msg)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_fail_stale_exhausted", "publish_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountActive возвращает количество незавершённых задач.
func (p *Postgres) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*) FROM publish_jobs WHERE status IN ('pending', 'processing', 'retrying')
`).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "publish_jobs_count_active", "publish_jobs", start, err)
	return count, err
}

// GetEntry возвращает запись квоты, чей период накрывает момент at.
func (p *Postgres) GetEntry(ctx context.Context, userID int64, platform domain.Platform, at time.Time) (domain.QuotaEntry, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	entry := domain.QuotaEntry{UserID: userID, Platform: platform}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT period_start, period_end, posts_consumed, posts_allowed
FROM quota_ledger
WHERE user_id = $1 AND platform = $2 AND period_start <= $3 AND $3 < period_end
`, userID, string(platform), at).Scan(&entry.PeriodStart, &entry.PeriodEnd, &entry.PostsConsumed, &entry.PostsAllowed)
	metrics.ObserveNetworkRequest("postgres", "quota_ledger_get", "quota_ledger", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaEntry{}, false, nil
	}
	if err != nil {
		return domain.QuotaEntry{}, false, err
	}
	return entry, true, nil
}

// EnsureEntry лениво создаёт запись периода. Конкурирующая вставка того же
// периода безвредна: возвращается уже существующая строка.
func (p *Postgres) EnsureEntry(ctx context.Context, entry domain.QuotaEntry) (domain.QuotaEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO quota_ledger (user_id, platform, period_start, period_end, posts_consumed, posts_allowed)
VALUES ($1, $2, $3, $4, 0, $5)
ON CONFLICT (user_id, platform, period_start) DO UPDATE
    SET posts_allowed = quota_ledger.posts_allowed
RETURNING period_start, period_end, posts_consumed, posts_allowed
`, entry.UserID, string(entry.Platform), entry.PeriodStart, entry.PeriodEnd, entry.PostsAllowed).
		Scan(&entry.PeriodStart, &entry.PeriodEnd, &entry.PostsConsumed, &entry.PostsAllowed)
	metrics.ObserveNetworkRequest("postgres", "quota_ledger_ensure", "quota_ledger", start, err)
	if err != nil {
		return domain.QuotaEntry{}, err
	}
	return entry, nil
}

// TryConsume — условный атомарный инкремент потребления: проигравший
// конкурент получает false, лишних списаний не бывает.
func (p *Postgres) TryConsume(ctx context.Context, userID int64, platform domain.Platform, at time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE quota_ledger
SET posts_consumed = posts_consumed + 1
WHERE user_id = $1 AND platform = $2
  AND period_start <= $3 AND $3 < period_end
  AND posts_consumed < posts_allowed
`, userID, string(platform), at)
	metrics.ObserveNetworkRequest("postgres", "quota_ledger_consume", "quota_ledger", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// Rollover открывает новый период с нулевым потреблением. Строки прошлых
// периодов не трогаются.
func (p *Postgres) Rollover(ctx context.Context, userID int64, platform domain.Platform, periodStart, periodEnd time.Time, allowed int) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO quota_ledger (user_id, platform, period_start, period_end, posts_consumed, posts_allowed)
VALUES ($1, $2, $3, $4, 0, $5)
ON CONFLICT (user_id, platform, period_start) DO UPDATE
    SET posts_consumed = 0, period_end = EXCLUDED.period_end, posts_allowed = EXCLUDED.posts_allowed
`, userID, string(platform), periodStart, periodEnd, allowed)
	metrics.ObserveNetworkRequest("postgres", "quota_ledger_rollover", "quota_ledger", start, err)
	return err
}

// GetSubscription возвращает подписку пользователя.
func (p *Postgres) GetSubscription(ctx context.Context, userID int64) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		planCode  string
		startedAt time.Time
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT plan_code, started_at FROM subscriptions WHERE user_id = $1
`, userID).Scan(&planCode, &startedAt)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_get", "subscriptions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	plan, ok := domain.PlanByCode(planCode)
	if !ok {
		return domain.Subscription{}, fmt.Errorf("неизвестный тариф %q", planCode)
	}
	return domain.Subscription{UserID: userID, Plan: plan, StartedAt: startedAt}, nil
}

// GetPlatformToken возвращает сохранённый токен площадки.
func (p *Postgres) GetPlatformToken(ctx context.Context, userID int64, platform domain.Platform) (domain.PlatformToken, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var token domain.PlatformToken
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT access_token, COALESCE(refresh_token, ''), expires_at
FROM platform_tokens
WHERE user_id = $1 AND platform = $2
`, userID, string(platform)).Scan(&token.AccessToken, &token.RefreshToken, &token.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "platform_tokens_get", "platform_tokens", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PlatformToken{}, domain.ErrNeedsReauth
	}
	return token, err
}

// SavePlatformToken сохраняет обновлённый токен площадки.
func (p *Postgres) SavePlatformToken(ctx context.Context, userID int64, platform domain.Platform, token domain.PlatformToken) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var refresh any
	if token.RefreshToken != "" {
		refresh = token.RefreshToken
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO platform_tokens (user_id, platform, access_token, refresh_token, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (user_id, platform) DO UPDATE
    SET access_token = EXCLUDED.access_token,
        refresh_token = COALESCE(EXCLUDED.refresh_token, platform_tokens.refresh_token),
        expires_at = EXCLUDED.expires_at,
        updated_at = now()
`, userID, string(platform), token.AccessToken, refresh, token.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "platform_tokens_save", "platform_tokens", start, err)
	return err
}
