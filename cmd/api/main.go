package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"smm-autoposter/internal/adapters/events"
	"smm-autoposter/internal/adapters/notify"
	"smm-autoposter/internal/adapters/repo"
	"smm-autoposter/internal/adapters/sessionstore"
	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/cache"
	"smm-autoposter/internal/infra/config"
	"smm-autoposter/internal/infra/db"
	httpinfra "smm-autoposter/internal/infra/http"
	"smm-autoposter/internal/infra/metrics"
	"smm-autoposter/internal/usecase/publishing"
	"smm-autoposter/internal/usecase/quota"
	"smm-autoposter/internal/usecase/retry"
	"smm-autoposter/internal/usecase/sessions"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
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
			log.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer sink.Close()
		eventSink = sink
	}
	var opsNotifier domain.OpsNotifier
	if cfg.Telegram.Token != "" && cfg.Telegram.OpsChatID != 0 {
		n, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.OpsChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("api: не удалось создать telegram-нотификатор")
		}
		opsNotifier = n
	}

	publishingSvc := publishing.NewService(
		repoAdapter, quotaSvc, retry.NewEngine(retry.DefaultPolicies()),
		eventSink, opsNotifier, dedupeCache,
		log.With().Str("component", "publishing").Logger(),
	)

	server := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	r := server.Router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		if req.UserID == 0 {
			writeError(w, http.StatusBadRequest, "user_id обязателен")
			return
		}
		meta := domain.SessionMeta{UserAgent: r.UserAgent(), IP: r.RemoteAddr}

		// Логин при живой сессии меняет её идентификатор, защищаясь от фиксации.
		var rec domain.SessionRecord
		if cookie, err := r.Cookie(cfg.Session.CookieName); err == nil && sessions.ValidSessionID(cookie.Value) {
			rec, err = sessionSvc.Regenerate(r.Context(), cookie.Value)
			if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				writeError(w, http.StatusServiceUnavailable, "хранилище сессий недоступно")
				return
			}
			if err == nil && rec.UserID != req.UserID {
				// Чужая сессия в куке: не наследуем её, создаём новую.
				_ = sessionSvc.Invalidate(r.Context(), rec.ID)
				rec = domain.SessionRecord{}
			}
		}
		if rec.ID == "" {
			var err error
			rec, err = sessionSvc.Establish(r.Context(), req.UserID, meta)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "хранилище сессий недоступно")
				return
			}
		}
		setSessionCookie(w, cfg.Session.CookieName, rec)
		writeJSON(w, map[string]any{"user_id": rec.UserID, "expires_at": rec.ExpiresAt})
	})

	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.SessionAuthMiddleware(sessionSvc, cfg.Session.CookieName))

		protected.Post("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			rec, _ := httpinfra.SessionFromContext(r.Context())
			if err := sessionSvc.Invalidate(r.Context(), rec.ID); err != nil {
				writeError(w, http.StatusServiceUnavailable, "хранилище сессий недоступно")
				return
			}
			clearSessionCookie(w, cfg.Session.CookieName)
			w.WriteHeader(http.StatusNoContent)
		})

		protected.Post("/api/v1/posts/schedule", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			rec, _ := httpinfra.SessionFromContext(r.Context())
			var req scheduleRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			scheduledAt := time.Now()
			if req.ScheduledAt != "" {
				parsed, err := time.Parse(time.RFC3339, req.ScheduledAt)
				if err != nil {
					writeError(w, http.StatusBadRequest, "scheduled_at должен быть RFC3339")
					return
				}
				scheduledAt = parsed
			}
			job, err := publishingSvc.Enqueue(r.Context(), rec.UserID, req.PostID, domain.Platform(req.Platform), req.Content, scheduledAt)
			switch {
			case errors.Is(err, publishing.ErrUnknownPlatform):
				writeError(w, http.StatusBadRequest, "неизвестная площадка")
				return
			case errors.Is(err, publishing.ErrInvalidContent):
				writeError(w, http.StatusBadRequest, "пустой контент")
				return
			case errors.Is(err, domain.ErrDuplicateJob):
				writeError(w, http.StatusConflict, "публикация этого поста на площадке уже запланирована")
				return
			case err != nil:
				log.Error().Err(err).Msg("api: постановка публикации")
				writeError(w, http.StatusInternalServerError, "не удалось запланировать публикацию")
				return
			}
			writeJSON(w, job)
		})

		protected.Get("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
			rec, _ := httpinfra.SessionFromContext(r.Context())
			limit, offset := listParams(r)
			jobs, err := publishingSvc.ListUserJobs(r.Context(), rec.UserID, limit, offset)
			if err != nil {
				log.Error().Err(err).Msg("api: список задач")
				writeError(w, http.StatusInternalServerError, "не удалось получить список задач")
				return
			}
			writeJSON(w, map[string]any{"jobs": jobs})
		})

		protected.Delete("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, _ := httpinfra.SessionFromContext(r.Context())
			jobID := chi.URLParam(r, "id")
			job, err := publishingSvc.Get(r.Context(), jobID)
			if errors.Is(err, domain.ErrJobNotFound) || (err == nil && job.UserID != rec.UserID) {
				writeError(w, http.StatusNotFound, "задача не найдена")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("api: поиск задачи")
				writeError(w, http.StatusInternalServerError, "не удалось отменить задачу")
				return
			}
			cancelled, err := publishingSvc.Cancel(r.Context(), jobID)
			if err != nil {
				log.Error().Err(err).Msg("api: отмена задачи")
				writeError(w, http.StatusInternalServerError, "не удалось отменить задачу")
				return
			}
			if !cancelled {
				writeError(w, http.StatusConflict, "задача уже выполняется или завершена")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		protected.Get("/api/v1/quota/{platform}", func(w http.ResponseWriter, r *http.Request) {
			rec, _ := httpinfra.SessionFromContext(r.Context())
			platform := domain.Platform(chi.URLParam(r, "platform"))
			if !domain.IsKnownPlatform(platform) {
				writeError(w, http.StatusBadRequest, "неизвестная площадка")
				return
			}
			allowance, err := quotaSvc.CheckAllowance(r.Context(), rec.UserID, platform)
			if errors.Is(err, domain.ErrSubscriptionNotFound) {
				writeError(w, http.StatusNotFound, "подписка не найдена")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("api: квота")
				writeError(w, http.StatusInternalServerError, "не удалось получить квоту")
				return
			}
			writeJSON(w, allowance)
		})
	})

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

type loginRequest struct {
	UserID int64 `json:"user_id"`
}

type scheduleRequest struct {
	PostID      int64  `json:"post_id"`
	Platform    string `json:"platform"`
	Content     string `json:"content"`
	ScheduledAt string `json:"scheduled_at"`
}

func listParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func setSessionCookie(w http.ResponseWriter, name string, rec domain.SessionRecord) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    rec.ID,
		Path:     "/",
		Expires:  rec.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
