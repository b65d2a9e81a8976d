package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBIT_URL"`

	Session struct {
		TTL        time.Duration `envconfig:"SESSION_TTL" default:"48h"`
		CookieName string        `envconfig:"SESSION_COOKIE" default:"sid"`
	} `envconfig:""`

	Dispatcher struct {
		Interval       time.Duration `envconfig:"DISPATCH_INTERVAL" default:"15s"`
		FanOut         int           `envconfig:"DISPATCH_FANOUT" default:"8"`
		PublishTimeout time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"60s"`
		StaleAfter     time.Duration `envconfig:"STALE_AFTER" default:"10m"`
		DueBatch       int           `envconfig:"DUE_BATCH" default:"100"`
	} `envconfig:""`

	Telegram struct {
		Token     string `envconfig:"TG_BOT_TOKEN"`
		OpsChatID int64  `envconfig:"TG_OPS_CHAT_ID"`
	} `envconfig:""`

	Queues struct {
		JobEvents string `envconfig:"JOB_EVENTS_QUEUE" default:"job_events"`
	} `envconfig:""`

	Publishers struct {
		FacebookURL  string `envconfig:"FACEBOOK_API_URL" default:"https://graph.facebook.com"`
		InstagramURL string `envconfig:"INSTAGRAM_API_URL" default:"https://graph.instagram.com"`
		LinkedInURL  string `envconfig:"LINKEDIN_API_URL" default:"https://api.linkedin.com"`
		XURL         string `envconfig:"X_API_URL" default:"https://api.x.com"`
		YouTubeURL   string `envconfig:"YOUTUBE_API_URL" default:"https://www.googleapis.com/youtube"`
	} `envconfig:""`

	OAuth struct {
		FacebookClientID      string `envconfig:"FACEBOOK_CLIENT_ID"`
		FacebookClientSecret  string `envconfig:"FACEBOOK_CLIENT_SECRET"`
		InstagramClientID     string `envconfig:"INSTAGRAM_CLIENT_ID"`
		InstagramClientSecret string `envconfig:"INSTAGRAM_CLIENT_SECRET"`
		LinkedInClientID      string `envconfig:"LINKEDIN_CLIENT_ID"`
		LinkedInClientSecret  string `envconfig:"LINKEDIN_CLIENT_SECRET"`
		XClientID             string `envconfig:"X_CLIENT_ID"`
		XClientSecret         string `envconfig:"X_CLIENT_SECRET"`
		YouTubeClientID       string `envconfig:"YOUTUBE_CLIENT_ID"`
		YouTubeClientSecret   string `envconfig:"YOUTUBE_CLIENT_SECRET"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
