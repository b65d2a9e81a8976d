package domain

import (
	"context"
	"time"
)

// JobRepo управляет задачами публикации. Переходы статусов выполняются
// условными обновлениями: конкурирующий вызов получает false, а не ошибку.
type JobRepo interface {
	// CreateJob сохраняет новую задачу. Возвращает ErrDuplicateJob, если для
	// пары (пост, площадка) уже есть активная задача.
	CreateJob(ctx context.Context, job PublishJob) (PublishJob, error)
	GetJob(ctx context.Context, jobID string) (PublishJob, error)
	// DueJobs возвращает задачи, готовые к выполнению на момент now.
	// Только чтение: состояние задач не меняется.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]PublishJob, error)
	// ClaimJob атомарно переводит pending|retrying → processing и увеличивает
	// счётчик попыток. Возвращает номер попытки и true, если захват удался.
	ClaimJob(ctx context.Context, jobID string) (int, bool, error)
	MarkSucceeded(ctx context.Context, jobID string) error
	MarkRetrying(ctx context.Context, jobID string, kind ErrorKind, msg string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, jobID string, kind ErrorKind, msg string) error
	// CancelJob переводит pending|retrying → cancelled. Задачу в processing
	// отменить нельзя: возвращается false.
	CancelJob(ctx context.Context, jobID string) (bool, error)
	ListUserJobs(ctx context.Context, userID int64, limit, offset int) ([]PublishJob, error)
	// ReleaseStale возвращает в retrying задачи, зависшие в processing
	// дольше порога (диспетчер умер, не записав исход). Задачи, у которых
	// attempts >= max_attempts, не трогает.
	ReleaseStale(ctx context.Context, stuckBefore time.Time) (int, error)
	// FailStaleExhausted закрывает провалом зависшие processing-задачи без
	// оставшихся попыток и возвращает их для событий и уведомлений.
	FailStaleExhausted(ctx context.Context, stuckBefore time.Time, kind ErrorKind, msg string) ([]PublishJob, error)
	CountActive(ctx context.Context) (int, error)
}

// QuotaRepo хранит потребление квоты. TryConsume — единственный путь
// списания, выполняется условным атомарным инкрементом.
type QuotaRepo interface {
	// GetEntry возвращает запись, чей период накрывает момент at.
	GetEntry(ctx context.Context, userID int64, platform Platform, at time.Time) (QuotaEntry, bool, error)
	// EnsureEntry лениво создаёт запись периода, не трогая существующую.
	EnsureEntry(ctx context.Context, entry QuotaEntry) (QuotaEntry, error)
	// TryConsume увеличивает posts_consumed, только если остался запас.
	TryConsume(ctx context.Context, userID int64, platform Platform, at time.Time) (bool, error)
	// Rollover открывает новый период с нулевым потреблением.
	Rollover(ctx context.Context, userID int64, platform Platform, periodStart, periodEnd time.Time, allowed int) error
}

// SubscriptionRepo предоставляет тариф пользователя (только чтение).
type SubscriptionRepo interface {
	GetSubscription(ctx context.Context, userID int64) (Subscription, error)
}

// SessionRepo хранит записи сессий.
type SessionRepo interface {
	Save(ctx context.Context, record SessionRecord) error
	// Get возвращает ErrSessionNotFound, если записи нет.
	Get(ctx context.Context, sessionID string) (SessionRecord, error)
	// Delete идемпотентно: отсутствие записи не является ошибкой.
	Delete(ctx context.Context, sessionID string) error
	// Swap атомарно сохраняет новую запись и удаляет старую.
	Swap(ctx context.Context, oldSessionID string, fresh SessionRecord) error
	// DeleteExpired удаляет записи с истекшим expires_at и возвращает их число.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// TokenRepo хранит OAuth-подключения площадок.
type TokenRepo interface {
	// GetPlatformToken возвращает ErrNeedsReauth, если подключения нет.
	GetPlatformToken(ctx context.Context, userID int64, platform Platform) (PlatformToken, error)
	SavePlatformToken(ctx context.Context, userID int64, platform Platform, token PlatformToken) error
}

// CredentialProvider выдаёт действующий токен площадки.
// Возвращает ErrNeedsReauth, если без участия пользователя токен не обновить.
type CredentialProvider interface {
	GetValidCredentials(ctx context.Context, userID int64, platform Platform) (Credentials, error)
}

// Publisher выполняет публикацию на внешней площадке. Вызов может быть
// медленным и завершиться *PlatformError.
type Publisher interface {
	Publish(ctx context.Context, job PublishJob, creds Credentials) (PublishResult, error)
}

// EventSink принимает события жизненного цикла задач.
type EventSink interface {
	PublishEvent(ctx context.Context, event JobEvent) error
}

// OpsNotifier уведомляет дежурных об окончательно проваленных задачах.
type OpsNotifier interface {
	NotifyJobFailed(ctx context.Context, job PublishJob) error
}

// Cache используется для простых TTL-хранилищ и дедупликации.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
