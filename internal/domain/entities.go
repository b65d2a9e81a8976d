package domain

import "time"

// Platform обозначает целевую социальную площадку.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformX         Platform = "x"
	PlatformYouTube   Platform = "youtube"
)

// KnownPlatforms перечисляет поддерживаемые площадки.
var KnownPlatforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformLinkedIn,
	PlatformX,
	PlatformYouTube,
}

// IsKnownPlatform проверяет, что площадка поддерживается.
func IsKnownPlatform(p Platform) bool {
	for _, known := range KnownPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// SessionMeta содержит метаданные клиента при установке сессии.
type SessionMeta struct {
	UserAgent string
	IP        string
}

// SessionRecord описывает аутентифицированную сессию пользователя.
type SessionRecord struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	UserAgent     string    `json:"user_agent,omitempty"`
	IP            string    `json:"ip,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IsExpired возвращает true, если сессия истекла к указанному моменту.
func (s SessionRecord) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// QuotaEntry хранит потребление квоты публикаций за период.
type QuotaEntry struct {
	UserID        int64     `json:"user_id"`
	Platform      Platform  `json:"platform"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	PostsConsumed int       `json:"posts_consumed"`
	PostsAllowed  int       `json:"posts_allowed"`
}

// Remaining возвращает остаток квоты на период.
func (q QuotaEntry) Remaining() int {
	left := q.PostsAllowed - q.PostsConsumed
	if left < 0 {
		return 0
	}
	return left
}

// Allowance — результат проверки квоты.
type Allowance struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

// Plan описывает тариф подписки.
type Plan struct {
	Code           string `json:"code"`
	PostsPerPeriod int    `json:"posts_per_period"`
	PeriodDays     int    `json:"period_days"`
}

// Стандартные тарифы: количество публикаций за 30-дневный цикл.
var (
	PlanStarter      = Plan{Code: "starter", PostsPerPeriod: 12, PeriodDays: 30}
	PlanGrowth       = Plan{Code: "growth", PostsPerPeriod: 27, PeriodDays: 30}
	PlanProfessional = Plan{Code: "professional", PostsPerPeriod: 52, PeriodDays: 30}
)

// PlanByCode возвращает тариф по коду.
func PlanByCode(code string) (Plan, bool) {
	switch code {
	case PlanStarter.Code:
		return PlanStarter, true
	case PlanGrowth.Code:
		return PlanGrowth, true
	case PlanProfessional.Code:
		return PlanProfessional, true
	}
	return Plan{}, false
}

// Subscription связывает пользователя с тарифом.
type Subscription struct {
	UserID    int64     `json:"user_id"`
	Plan      Plan      `json:"plan"`
	StartedAt time.Time `json:"started_at"`
}

// Credentials — токен доступа площадки, полученный через OAuth.
type Credentials struct {
	AccessToken string
	ExpiresAt   time.Time
}

// PlatformToken — сохранённое OAuth-подключение площадки.
type PlatformToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// PublishResult возвращается издателем при успешной публикации.
type PublishResult struct {
	PlatformPostID string
}
