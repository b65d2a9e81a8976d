package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"smm-autoposter/internal/domain"
)

type stubToucher struct {
	rec     domain.SessionRecord
	err     error
	touched []string
}

func (s *stubToucher) Touch(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	s.touched = append(s.touched, sessionID)
	return s.rec, s.err
}

func validCookie() *http.Cookie {
	return &http.Cookie{Name: "sid", Value: strings.Repeat("a", 48)}
}

func TestSessionAuthMiddlewarePassesSession(t *testing.T) {
	svc := &stubToucher{rec: domain.SessionRecord{
		ID:        strings.Repeat("a", 48),
		UserID:    42,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	var got domain.SessionRecord
	handler := SessionAuthMiddleware(svc, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(validCookie())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rr.Code)
	}
	if got.UserID != 42 {
		t.Fatalf("сессия не дошла до обработчика: %+v", got)
	}
	if len(svc.touched) != 1 {
		t.Fatalf("ожидали одно продление, получили %d", len(svc.touched))
	}
}

func TestSessionAuthMiddlewareMissingCookie(t *testing.T) {
	svc := &stubToucher{}
	handler := SessionAuthMiddleware(svc, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("обработчик не должен вызываться")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rr.Code)
	}
}

func TestSessionAuthMiddlewareMalformedCookieSkipsStorage(t *testing.T) {
	svc := &stubToucher{}
	handler := SessionAuthMiddleware(svc, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("обработчик не должен вызываться")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "too-short"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rr.Code)
	}
	if len(svc.touched) != 0 {
		t.Fatal("кука неканонического формата не должна доходить до хранилища")
	}
}

func TestSessionAuthMiddlewareExpiredSession(t *testing.T) {
	svc := &stubToucher{err: domain.ErrSessionNotFound}
	handler := SessionAuthMiddleware(svc, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("обработчик не должен вызываться")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(validCookie())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rr.Code)
	}
}

func TestSessionAuthMiddlewareStorageDown(t *testing.T) {
	svc := &stubToucher{err: domain.ErrStorageUnavailable}
	handler := SessionAuthMiddleware(svc, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("обработчик не должен вызываться")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(validCookie())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503, получили %d", rr.Code)
	}
}

func TestWriteErrorEscapesMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadRequest, errors.New(`поле "platform" содержит \ и "кавычки"`))

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("ожидали application/json, получили %q", ct)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ответа должно быть валидным JSON: %v\n%s", err, rr.Body.String())
	}
	if body.Error != `поле "platform" содержит \ и "кавычки"` {
		t.Fatalf("сообщение исказилось: %q", body.Error)
	}
}
