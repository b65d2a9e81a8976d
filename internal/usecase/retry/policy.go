package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"smm-autoposter/internal/domain"
)

// Policy задаёт параметры повторов для одной площадки.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFraction добавляет случайный разброс ±fraction к задержке,
	// чтобы повторные попытки не синхронизировались.
	JitterFraction float64
	Retryable      []domain.ErrorKind
}

// IsRetryable проверяет, входит ли категория в список повторяемых.
func (p Policy) IsRetryable(kind domain.ErrorKind) bool {
	for _, k := range p.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// Decision — результат решения о повторе.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Engine — чистый движок политики повторов: классификация ошибки и решение
// о следующей попытке. Никакого ввода-вывода.
type Engine struct {
	policies map[domain.Platform]Policy
	fallback Policy
}

var defaultRetryable = []domain.ErrorKind{
	domain.ErrKindAuth,
	domain.ErrKindRateLimit,
	domain.ErrKindNetwork,
	domain.ErrKindServer,
}

// DefaultPolicies возвращает настройки повторов по площадкам.
func DefaultPolicies() map[domain.Platform]Policy {
	return map[domain.Platform]Policy{
		domain.PlatformFacebook: {
			MaxAttempts:       5,
			BaseDelay:         60 * time.Second,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
		domain.PlatformInstagram: {
			MaxAttempts:       5,
			BaseDelay:         60 * time.Second,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
		domain.PlatformLinkedIn: {
			MaxAttempts:       3,
			BaseDelay:         300 * time.Second,
			MaxDelay:          time.Hour,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
		domain.PlatformX: {
			MaxAttempts:       5,
			BaseDelay:         30 * time.Second,
			MaxDelay:          15 * time.Minute,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
		domain.PlatformYouTube: {
			MaxAttempts:       4,
			BaseDelay:         120 * time.Second,
			MaxDelay:          time.Hour,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
	}
}

// NewEngine создаёт движок. Для неизвестной площадки действует запасная
// политика с тремя попытками.
func NewEngine(policies map[domain.Platform]Policy) *Engine {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Engine{
		policies: policies,
		fallback: Policy{
			MaxAttempts:       3,
			BaseDelay:         60 * time.Second,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2,
			Retryable:         defaultRetryable,
		},
	}
}

// PolicyFor возвращает политику площадки.
func (e *Engine) PolicyFor(platform domain.Platform) Policy {
	if p, ok := e.policies[platform]; ok {
		return p
	}
	return e.fallback
}

// MaxAttempts возвращает лимит попыток для площадки.
func (e *Engine) MaxAttempts(platform domain.Platform) int {
	return e.PolicyFor(platform).MaxAttempts
}

// Classify относит ошибку публикации к категории. Проверки упорядочены,
// сообщения сравниваются без учёта регистра. Неопознанная ошибка считается
// server_error и повторяется: потеря поста хуже лишних попыток.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindServer
	}
	if errors.Is(err, domain.ErrNeedsReauth) {
		return domain.ErrKindAuth
	}
	if errors.Is(err, domain.ErrQuotaExceeded) {
		return domain.ErrKindQuota
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindNetwork
	}

	var platformErr *domain.PlatformError
	if errors.As(err, &platformErr) && platformErr.StatusCode > 0 {
		switch {
		case platformErr.StatusCode == 401 || platformErr.StatusCode == 403:
			return domain.ErrKindAuth
		case platformErr.StatusCode == 429:
			return domain.ErrKindRateLimit
		case platformErr.StatusCode == 400 || platformErr.StatusCode == 422:
			return domain.ErrKindValidation
		}
	}

	msg := strings.ToLower(err.Error())
	for _, check := range messageChecks {
		for _, pattern := range check.patterns {
			if strings.Contains(msg, pattern) {
				return check.kind
			}
		}
	}
	return domain.ErrKindServer
}

// messageChecks — упорядоченный список текстовых признаков. Порядок важен:
// "rate limit quota" должен попасть в rate_limit, а не в quota_exceeded.
var messageChecks = []struct {
	kind     domain.ErrorKind
	patterns []string
}{
	{domain.ErrKindAuth, []string{"unauthorized", "invalid token", "token expired", "token has been revoked", "authentication", "reauth", "forbidden"}},
	{domain.ErrKindRateLimit, []string{"rate limit", "too many requests", "retry later"}},
	{domain.ErrKindQuota, []string{"quota"}},
	{domain.ErrKindNetwork, []string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "no such host", "broken pipe", "network", "unexpected eof"}},
	{domain.ErrKindValidation, []string{"validation", "invalid content", "malformed", "bad request", "unsupported media", "content too long"}},
}

// Decide принимает решение о повторе после неудачной попытки attempt.
func (e *Engine) Decide(platform domain.Platform, kind domain.ErrorKind, attempt int) Decision {
	policy := e.PolicyFor(platform)
	if !policy.IsRetryable(kind) {
		return Decision{}
	}
	if attempt >= policy.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: backoffDelay(policy, attempt)}
}

// backoffDelay считает задержку min(base*mult^(n-1), max) с джиттером.
func backoffDelay(policy Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(policy.BaseDelay)
	delay := base * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > max {
		delay = max
	}
	if policy.JitterFraction > 0 {
		spread := delay * policy.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
