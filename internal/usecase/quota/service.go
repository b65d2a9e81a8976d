package quota

import (
	"context"
	"fmt"
	"time"

	"smm-autoposter/internal/domain"
)

// Service ведёт квоты публикаций. Запись периода создаётся лениво при первом
// обращении, лимит берётся из тарифа подписки. Списание выполняется только
// после подтверждённой публикации и только через TryConsume.
type Service struct {
	quotas domain.QuotaRepo
	subs   domain.SubscriptionRepo
	now    func() time.Time
}

// NewService создаёт сервис квот.
func NewService(quotas domain.QuotaRepo, subs domain.SubscriptionRepo) *Service {
	return &Service{quotas: quotas, subs: subs, now: time.Now}
}

// currentPeriod считает границы цикла, накрывающего момент at. Циклы идут
// подряд от даты начала подписки.
func currentPeriod(sub domain.Subscription, at time.Time) (time.Time, time.Time) {
	length := time.Duration(sub.Plan.PeriodDays) * 24 * time.Hour
	start := sub.StartedAt.UTC()
	if at.Before(start) {
		return start, start.Add(length)
	}
	elapsed := at.Sub(start)
	cycles := elapsed / length
	periodStart := start.Add(cycles * length)
	return periodStart, periodStart.Add(length)
}

// ensureEntry возвращает запись текущего периода, создавая её или выполняя
// перенос на новый период при необходимости.
func (s *Service) ensureEntry(ctx context.Context, userID int64, platform domain.Platform, at time.Time) (domain.QuotaEntry, error) {
	entry, found, err := s.quotas.GetEntry(ctx, userID, platform, at)
	if err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("чтение квоты: %w", err)
	}
	if found {
		return entry, nil
	}

	sub, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("чтение подписки: %w", err)
	}
	periodStart, periodEnd := currentPeriod(sub, at)
	fresh := domain.QuotaEntry{
		UserID:       userID,
		Platform:     platform,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		PostsAllowed: sub.Plan.PostsPerPeriod,
	}
	entry, err = s.quotas.EnsureEntry(ctx, fresh)
	if err != nil {
		return domain.QuotaEntry{}, fmt.Errorf("создание записи квоты: %w", err)
	}
	return entry, nil
}

// CheckAllowance возвращает остаток квоты текущего периода (только чтение
// потребления, запись периода может быть создана лениво).
func (s *Service) CheckAllowance(ctx context.Context, userID int64, platform domain.Platform) (domain.Allowance, error) {
	entry, err := s.ensureEntry(ctx, userID, platform, s.now().UTC())
	if err != nil {
		return domain.Allowance{}, err
	}
	remaining := entry.Remaining()
	return domain.Allowance{Allowed: remaining > 0, Remaining: remaining}, nil
}

// TryConsume атомарно списывает одну публикацию из квоты. false означает,
// что лимит периода исчерпан; потребление при этом не меняется.
func (s *Service) TryConsume(ctx context.Context, userID int64, platform domain.Platform) (bool, error) {
	at := s.now().UTC()
	if _, err := s.ensureEntry(ctx, userID, platform, at); err != nil {
		return false, err
	}
	ok, err := s.quotas.TryConsume(ctx, userID, platform, at)
	if err != nil {
		return false, fmt.Errorf("списание квоты: %w", err)
	}
	return ok, nil
}

// Rollover явно открывает новый период с нулевым потреблением. Прошлые
// периоды не изменяются.
func (s *Service) Rollover(ctx context.Context, userID int64, platform domain.Platform, newPeriodStart time.Time) error {
	sub, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("чтение подписки: %w", err)
	}
	length := time.Duration(sub.Plan.PeriodDays) * 24 * time.Hour
	start := newPeriodStart.UTC()
	if err := s.quotas.Rollover(ctx, userID, platform, start, start.Add(length), sub.Plan.PostsPerPeriod); err != nil {
		return fmt.Errorf("перенос квоты: %w", err)
	}
	return nil
}
