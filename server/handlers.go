package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"soundslice/config"
	"soundslice/core/auth"
	"soundslice/core/delivery"
	"soundslice/core/excerpt"
	"soundslice/core/settlement"
	"soundslice/core/valuation"
	"soundslice/logger"
	"soundslice/repository"
	"soundslice/storage"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// APIHandler 处理所有API请求
type APIHandler struct {
	tracks     repository.TrackRepository
	reuses     repository.ReuseRepository
	store      storage.ContentStore
	transcoder excerpt.Transcoder
	engine     *settlement.Engine
	delivery   *delivery.Gateway
	auth       *auth.Manager
	cfg        *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(app *App) *APIHandler {
	return &APIHandler{
		tracks:     app.Tracks,
		reuses:     app.Reuses,
		store:      app.Store,
		transcoder: app.Transcoder,
		engine:     app.Engine,
		delivery:   app.Delivery,
		auth:       app.Auth,
		cfg:        app.Cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, excerpt.ErrInvalidInterval),
		errors.Is(err, valuation.ErrInvalidValuationInput):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrTrackNotFound),
		errors.Is(err, settlement.ErrRecordNotFound),
		errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrForbidden),
		errors.Is(err, delivery.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrNotResubmittable):
		return http.StatusConflict
	case errors.Is(err, delivery.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	// 浏览器 websocket 无法携带请求头
	return r.URL.Query().Get("token")
}

// AuthMiddleware 校验 JWT，并把用户ID写入请求上下文
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		claims, err := h.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// OptionalAuth 有合法令牌时写入用户ID，没有也放行
func (h *APIHandler) OptionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if claims, err := h.auth.ParseToken(token); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, claims.UserID))
			}
		}
		next.ServeHTTP(w, r)
	}
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// HealthHandler 健康检查
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
