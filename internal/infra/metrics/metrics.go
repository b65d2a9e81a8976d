package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_jobs_enqueued_total",
		Help: "Количество поставленных задач публикации",
	}, []string{"platform"})

	JobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_job_outcomes_total",
		Help: "Исходы попыток публикации по площадкам",
	}, []string{"platform", "outcome"})

	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publish_claim_conflicts_total",
		Help: "Попытки захвата задачи, уже занятой другим диспетчером",
	})

	QuotaDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_denied_total",
		Help: "Отказы в списании квоты публикаций",
	}, []string{"platform"})

	PublishAttemptSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publish_attempt_seconds",
		Help:    "Длительность вызова внешнего издателя",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "status"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "publish_queue_depth",
		Help: "Количество активных задач публикации",
	})

	StaleJobsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publish_stale_jobs_released_total",
		Help: "Задачи, возвращённые из зависшего processing",
	})

	SessionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_swept_total",
		Help: "Истёкшие сессии, удалённые фоновой чисткой",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsEnqueuedTotal,
		JobOutcomesTotal,
		ClaimConflictsTotal,
		QuotaDeniedTotal,
		PublishAttemptSeconds,
		QueueDepth,
		StaleJobsReleased,
		SessionsSweptTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePublishAttempt записывает длительность вызова внешнего издателя.
func ObservePublishAttempt(platform string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PublishAttemptSeconds.WithLabelValues(platform, status).Observe(time.Since(start).Seconds())
}

// IncJobsEnqueued увеличивает счётчик поставленных задач.
func IncJobsEnqueued(platform string) {
	JobsEnqueuedTotal.WithLabelValues(platform).Inc()
}

// IncJobOutcome увеличивает счётчик исходов попыток публикации.
func IncJobOutcome(platform, outcome string) {
	JobOutcomesTotal.WithLabelValues(platform, outcome).Inc()
}

// IncClaimConflict отмечает проигранную гонку за захват задачи.
func IncClaimConflict() {
	ClaimConflictsTotal.Inc()
}

// IncQuotaDenied отмечает отказ в списании квоты.
func IncQuotaDenied(platform string) {
	QuotaDeniedTotal.WithLabelValues(platform).Inc()
}

// SetQueueDepth публикует текущую глубину очереди.
func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// AddStaleReleased отмечает возвращённые из processing задачи.
func AddStaleReleased(count int) {
	StaleJobsReleased.Add(float64(count))
}

// AddSessionsSwept отмечает удалённые чисткой сессии.
func AddSessionsSwept(count int) {
	SessionsSweptTotal.Add(float64(count))
}
