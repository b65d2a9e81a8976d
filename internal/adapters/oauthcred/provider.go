package oauthcred

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// expirySkew — запас до истечения токена, чтобы не публиковать с почти протухшим токеном.
const expirySkew = 2 * time.Minute

// Provider выдаёт действующие OAuth-токены площадок, обновляя протухшие через refresh-токен.
type Provider struct {
	tokens  domain.TokenRepo
	configs map[domain.Platform]*oauth2.Config
	now     func() time.Time
}

var _ domain.CredentialProvider = (*Provider)(nil)

// New создаёт провайдер. configs содержит oauth2-конфигурацию каждой подключённой площадки.
func New(tokens domain.TokenRepo, configs map[domain.Platform]*oauth2.Config) *Provider {
	return &Provider{tokens: tokens, configs: configs, now: time.Now}
}

// GetValidCredentials возвращает токен площадки, пригодный для публикации.
// Протухший токен без refresh-токена означает повторную авторизацию пользователя.
func (p *Provider) GetValidCredentials(ctx context.Context, userID int64, platform domain.Platform) (domain.Credentials, error) {
	stored, err := p.tokens.GetPlatformToken(ctx, userID, platform)
	if err != nil {
		return domain.Credentials{}, err
	}

	now := p.now()
	if stored.ExpiresAt.IsZero() || now.Add(expirySkew).Before(stored.ExpiresAt) {
		return domain.Credentials{AccessToken: stored.AccessToken, ExpiresAt: stored.ExpiresAt}, nil
	}

	if stored.RefreshToken == "" {
		return domain.Credentials{}, fmt.Errorf("%w: токен %s истёк, refresh-токена нет", domain.ErrNeedsReauth, platform)
	}
	conf, ok := p.configs[platform]
	if !ok {
		return domain.Credentials{}, fmt.Errorf("%w: нет oauth-конфигурации для %s", domain.ErrNeedsReauth, platform)
	}

	start := time.Now()
	fresh, err := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.ExpiresAt,
	}).Token()
	metrics.ObserveNetworkRequest("oauth", "refresh", string(platform), start, err)
	if err != nil {
		// Отказ обмена refresh-токена значит, что подключение отозвано.
		return domain.Credentials{}, fmt.Errorf("%w: обновление токена %s: %v", domain.ErrNeedsReauth, platform, err)
	}

	updated := domain.PlatformToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = stored.RefreshToken
	}
	if err := p.tokens.SavePlatformToken(ctx, userID, platform, updated); err != nil {
		return domain.Credentials{}, fmt.Errorf("сохранение обновлённого токена: %w", err)
	}
	return domain.Credentials{AccessToken: updated.AccessToken, ExpiresAt: updated.ExpiresAt}, nil
}
