package sessions

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"strings"
	"time"

	"smm-autoposter/internal/domain"
)

const (
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength   = 48
)

// DefaultTTL — срок жизни сессии по умолчанию (скользящее окно).
const DefaultTTL = 48 * time.Hour

// Service управляет жизненным циклом сессий: установка, продление,
// регенерация при входе и фоновая чистка истёкших записей.
type Service struct {
	repo domain.SessionRepo
	ttl  time.Duration
	now  func() time.Time
}

// NewService создаёт сервис сессий.
func NewService(repo domain.SessionRepo, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{repo: repo, ttl: ttl, now: time.Now}
}

func generateSessionID() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(tokenLength)
	for _, raw := range buf {
		b.WriteByte(tokenAlphabet[int(raw)%len(tokenAlphabet)])
	}
	return b.String(), nil
}

// ValidSessionID структурно проверяет идентификатор до обращения к хранилищу.
// Единственный допустимый формат — токен фиксированной длины из алфавита
// generateSessionID, никаких эвристик разбора.
func ValidSessionID(id string) bool {
	if len(id) != tokenLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(tokenAlphabet, rune(id[i])) {
			return false
		}
	}
	return true
}

// Establish создаёт новую сессию пользователя.
func (s *Service) Establish(ctx context.Context, userID int64, meta domain.SessionMeta) (domain.SessionRecord, error) {
	id, err := generateSessionID()
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("генерация идентификатора сессии: %w", err)
	}
	now := s.now().UTC()
	record := domain.SessionRecord{
		ID:            id,
		UserID:        userID,
		UserAgent:     meta.UserAgent,
		IP:            meta.IP,
		CreatedAt:     now,
		LastTouchedAt: now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.repo.Save(ctx, record); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("сохранение сессии: %w", err)
	}
	return record, nil
}

// Touch продлевает сессию (скользящее окно). Истёкшая или неизвестная сессия
// даёт ErrSessionNotFound: вызывающий обязан счесть запрос неаутентифицированным
// и не восстанавливать сессию по догадкам.
func (s *Service) Touch(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	if !ValidSessionID(sessionID) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	record, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	now := s.now().UTC()
	if record.IsExpired(now) {
		_ = s.repo.Delete(ctx, sessionID)
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	record.LastTouchedAt = now
	record.ExpiresAt = now.Add(s.ttl)
	if err := s.repo.Save(ctx, record); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("продление сессии: %w", err)
	}
	return record, nil
}

// Invalidate идемпотентно удаляет сессию.
func (s *Service) Invalidate(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return nil
	}
	return s.repo.Delete(ctx, sessionID)
}

// Regenerate выпускает новый идентификатор для того же пользователя и
// атомарно гасит старый — защита от фиксации сессии при входе.
func (s *Service) Regenerate(ctx context.Context, oldSessionID string) (domain.SessionRecord, error) {
	if !ValidSessionID(oldSessionID) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	old, err := s.repo.Get(ctx, oldSessionID)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	now := s.now().UTC()
	if old.IsExpired(now) {
		_ = s.repo.Delete(ctx, oldSessionID)
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	id, err := generateSessionID()
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("генерация идентификатора сессии: %w", err)
	}
	fresh := domain.SessionRecord{
		ID:            id,
		UserID:        old.UserID,
		UserAgent:     old.UserAgent,
		IP:            old.IP,
		CreatedAt:     now,
		LastTouchedAt: now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.repo.Swap(ctx, oldSessionID, fresh); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("регенерация сессии: %w", err)
	}
	return fresh, nil
}

// Sweep удаляет истёкшие записи и возвращает их количество.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.repo.DeleteExpired(ctx, s.now().UTC())
}
