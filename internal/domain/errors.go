package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound возвращается, когда сессия не существует или истекла.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorageUnavailable возвращается, когда хранилище сессий недоступно на запись.
	ErrStorageUnavailable = errors.New("session storage unavailable")

	// ErrDuplicateJob возвращается при попытке запланировать вторую активную
	// задачу для той же пары (пост, площадка).
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrJobNotFound возвращается, когда задача не существует.
	ErrJobNotFound = errors.New("job not found")

	// ErrQuotaExceeded возвращается, когда квота публикаций за период исчерпана.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrSubscriptionNotFound возвращается, когда у пользователя нет подписки.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNeedsReauth возвращается провайдером учётных данных, когда токен
	// площадки невозможно обновить без участия пользователя.
	ErrNeedsReauth = errors.New("platform connection needs reauth")
)

// ErrorKind — категория ошибки публикации для политики повторов.
type ErrorKind string

const (
	ErrKindAuth       ErrorKind = "auth_error"
	ErrKindRateLimit  ErrorKind = "rate_limit"
	ErrKindQuota      ErrorKind = "quota_exceeded"
	ErrKindNetwork    ErrorKind = "network_error"
	ErrKindServer     ErrorKind = "server_error"
	ErrKindValidation ErrorKind = "validation_error"
)

// PlatformError — ошибка внешнего API площадки.
type PlatformError struct {
	Platform   Platform
	StatusCode int
	Message    string
}

// Error реализует error.
func (e *PlatformError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Platform, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}
