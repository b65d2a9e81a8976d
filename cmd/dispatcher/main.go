package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"smm-autoposter/internal/adapters/events"
	"smm-autoposter/internal/adapters/notify"
	"smm-autoposter/internal/adapters/oauthcred"
	"smm-autoposter/internal/adapters/publisher"
	"smm-autoposter/internal/adapters/repo"
	"smm-autoposter/internal/adapters/sessionstore"
	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/cache"
	"smm-autoposter/internal/infra/config"
	"smm-autoposter/internal/infra/db"
	applog "smm-autoposter/internal/infra/log"
	"smm-autoposter/internal/infra/metrics"
	"smm-autoposter/internal/usecase/dispatch"
	"smm-autoposter/internal/usecase/publishing"
	"smm-autoposter/internal/usecase/quota"
	"smm-autoposter/internal/usecase/retry"
	"smm-autoposter/internal/usecase/sessions"
)

const sessionSweepInterval = time.Hour

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	repoAdapter := repo.NewPostgres(pool)
	sessionRepo := sessionstore.NewRedisStore(redisClient)
	dedupeCache := cache.NewRedis(redisClient)

	sessionSvc := sessions.NewService(sessionRepo, cfg.Session.TTL)
	quotaSvc := quota.NewService(repoAdapter, repoAdapter)

	var eventSink domain.EventSink
	if cfg.RabbitURL != "" {
		sink, err := events.NewRabbitSink(cfg.RabbitURL, cfg.Queues.JobEvents)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: нет подключения к RabbitMQ")
		}
		defer sink.Close()
		eventSink = sink
	}
	var opsNotifier domain.OpsNotifier
	if cfg.Telegram.Token != "" && cfg.Telegram.OpsChatID != 0 {
		n, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.OpsChatID)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось создать telegram-нотификатор")
		}
		opsNotifier = n
	}

	publishingSvc := publishing.NewService(
		repoAdapter, quotaSvc, retry.NewEngine(retry.DefaultPolicies()),
		eventSink, opsNotifier, dedupeCache,
		logger.With().Str("component", "publishing").Logger(),
	)

	credProvider := oauthcred.New(repoAdapter, oauthConfigs(cfg))

	publishers := map[domain.Platform]domain.Publisher{
		domain.PlatformFacebook:  publisher.New(publisher.Config{Platform: domain.PlatformFacebook, BaseURL: cfg.Publishers.FacebookURL, Timeout: cfg.Dispatcher.PublishTimeout}),
		domain.PlatformInstagram: publisher.New(publisher.Config{Platform: domain.PlatformInstagram, BaseURL: cfg.Publishers.InstagramURL, Timeout: cfg.Dispatcher.PublishTimeout}),
		domain.PlatformLinkedIn:  publisher.New(publisher.Config{Platform: domain.PlatformLinkedIn, BaseURL: cfg.Publishers.LinkedInURL, Timeout: cfg.Dispatcher.PublishTimeout}),
		domain.PlatformX:         publisher.New(publisher.Config{Platform: domain.PlatformX, BaseURL: cfg.Publishers.XURL, Timeout: cfg.Dispatcher.PublishTimeout}),
		domain.PlatformYouTube:   publisher.New(publisher.Config{Platform: domain.PlatformYouTube, BaseURL: cfg.Publishers.YouTubeURL, Timeout: cfg.Dispatcher.PublishTimeout}),
	}

	dispatcher := dispatch.NewService(publishingSvc, credProvider, publishers, dispatch.Config{
		Interval:       cfg.Dispatcher.Interval,
		FanOut:         cfg.Dispatcher.FanOut,
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
		StaleAfter:     cfg.Dispatcher.StaleAfter,
		DueBatch:       cfg.Dispatcher.DueBatch,
	}, logger.With().Str("component", "dispatch").Logger())

	go sweepSessions(ctx, sessionSvc, logger)

	logger.Info().Msg("dispatcher: запуск цикла обработки")
	dispatcher.Run(ctx)
	logger.Info().Msg("dispatcher: остановлен")
}

// sweepSessions периодически удаляет протухшие сессии.
func sweepSessions(ctx context.Context, svc *sessions.Service, logger zerolog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("dispatcher: уборка сессий")
				continue
			}
			metrics.AddSessionsSwept(removed)
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("dispatcher: удалены протухшие сессии")
			}
		}
	}
}

// oauthConfigs собирает oauth2-конфигурации подключённых площадок.
func oauthConfigs(cfg config.AppConfig) map[domain.Platform]*oauth2.Config {
	configs := make(map[domain.Platform]*oauth2.Config)
	add := func(platform domain.Platform, clientID, clientSecret, tokenURL string) {
		if clientID == "" {
			return
		}
		configs[platform] = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
	}
	add(domain.PlatformFacebook, cfg.OAuth.FacebookClientID, cfg.OAuth.FacebookClientSecret, "https://graph.facebook.com/oauth/access_token")
	add(domain.PlatformInstagram, cfg.OAuth.InstagramClientID, cfg.OAuth.InstagramClientSecret, "https://api.instagram.com/oauth/access_token")
	add(domain.PlatformLinkedIn, cfg.OAuth.LinkedInClientID, cfg.OAuth.LinkedInClientSecret, "https://www.linkedin.com/oauth/v2/accessToken")
	add(domain.PlatformX, cfg.OAuth.XClientID, cfg.OAuth.XClientSecret, "https://api.x.com/2/oauth2/token")
	add(domain.PlatformYouTube, cfg.OAuth.YouTubeClientID, cfg.OAuth.YouTubeClientSecret, "https://oauth2.googleapis.com/token")
	return configs
}
