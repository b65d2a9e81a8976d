package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

// Config настраивает HTTP-издателя одной площадки.
type Config struct {
	Platform domain.Platform
	BaseURL  string
	Timeout  time.Duration
}

// HTTPPublisher публикует посты через HTTP API площадки. Договорённость
// об эндпоинте единая: POST {base}/posts с Bearer-токеном.
type HTTPPublisher struct {
	cfg        Config
	httpClient *http.Client
}

var _ domain.Publisher = (*HTTPPublisher)(nil)

// New создаёт издателя площадки.
func New(cfg Config) *HTTPPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPublisher{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// SetHTTPClient подменяет транспорт (для тестов).
func (p *HTTPPublisher) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		p.httpClient = httpClient
	}
}

type publishRequest struct {
	PostID  int64  `json:"post_id"`
	Content string `json:"content"`
}

type publishResponse struct {
	ID string `json:"id"`
}

// Publish отправляет пост на площадку. Ответ со статусом вне 2xx
// превращается в *domain.PlatformError для классификатора повторов.
func (p *HTTPPublisher) Publish(ctx context.Context, job domain.PublishJob, creds domain.Credentials) (domain.PublishResult, error) {
	body, err := json.Marshal(publishRequest{PostID: job.PostID, Content: job.Content})
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("marshal post: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	metrics.ObserveNetworkRequest("publisher", "publish", string(p.cfg.Platform), start, err)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.PublishResult{}, &domain.PlatformError{
			Platform:   p.cfg.Platform,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	var parsed publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.PublishResult{}, fmt.Errorf("decode response: %w", err)
	}
	if parsed.ID == "" {
		return domain.PublishResult{}, &domain.PlatformError{
			Platform: p.cfg.Platform,
			Message:  "response without post id",
		}
	}
	return domain.PublishResult{PlatformPostID: parsed.ID}, nil
}
