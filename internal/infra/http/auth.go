package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/usecase/sessions"
)

type sessionCtxKey struct{}

// SessionToucher продлевает сессию по её идентификатору.
type SessionToucher interface {
	Touch(ctx context.Context, sessionID string) (domain.SessionRecord, error)
}

// SessionAuthMiddleware проверяет сессионную куку и кладёт сессию в контекст.
// Запрос без куки или с кукой неканонического формата отклоняется без похода в хранилище.
func SessionAuthMiddleware(svc SessionToucher, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cookieName)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, errors.New("сессионная кука отсутствует"))
				return
			}
			if !sessions.ValidSessionID(cookie.Value) {
				WriteError(w, http.StatusUnauthorized, errors.New("сессия недействительна"))
				return
			}
			rec, err := svc.Touch(r.Context(), cookie.Value)
			if err != nil {
				if errors.Is(err, domain.ErrSessionNotFound) {
					WriteError(w, http.StatusUnauthorized, errors.New("сессия недействительна"))
					return
				}
				WriteError(w, http.StatusServiceUnavailable, errors.New("хранилище сессий недоступно"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionCtxKey{}, rec)))
		})
	}
}

// SessionFromContext возвращает сессию, положенную middleware.
func SessionFromContext(ctx context.Context) (domain.SessionRecord, bool) {
	rec, ok := ctx.Value(sessionCtxKey{}).(domain.SessionRecord)
	return rec, ok
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
