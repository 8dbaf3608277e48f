package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soundslice/config"
	"soundslice/logger"

	"github.com/gorilla/mux"
)

// corsMiddleware 允许前端跨域访问，并暴露 Range 相关响应头
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册全部路由
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)

	// 音轨
	router.HandleFunc("/api/tracks", h.AuthMiddleware(h.UploadTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/mine", h.AuthMiddleware(h.GetMyTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}", h.OptionalAuth(h.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}/file", h.OptionalAuth(h.TrackFileHandler)).Methods(http.MethodGet, http.MethodHead)

	// 复用结算
	router.HandleFunc("/api/tracks/{id}/reuse", h.AuthMiddleware(h.CreateReuseHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/reuses/mine", h.AuthMiddleware(h.ListMyReusesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/reuses/{id}", h.AuthMiddleware(h.GetReuseHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/reuses/{id}/watch", h.AuthMiddleware(h.WatchReuseHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/reuses/{id}/resubmit", h.AuthMiddleware(h.ResubmitReuseHandler)).Methods(http.MethodPost)

	// 片段凭 grant 访问，不要求登录
	router.HandleFunc("/api/snippets/{ref}", h.OptionalAuth(h.SnippetFileHandler)).Methods(http.MethodGet, http.MethodHead)

	return router
}

// Start initializes and starts the HTTP server.
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	// 设置服务器超时；WriteTimeout 需覆盖结算同步等待和大文件下载，因此不设置
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           NewRouter(NewAPIHandler(app)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		app.Engine.RunReconciler(reconcileCtx, cfg.ReconcileInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stopReconciler()
		<-reconcilerDone
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", logger.ErrorField(err))
	}
	stopReconciler()
	<-reconcilerDone

	// 等待后台结算落到下一个持久化节点；未完成的由下次启动的对账补偿
	if err := app.Engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("settlements still in flight at shutdown", logger.ErrorField(err))
	}

	logger.Info("Server stopped")
	return nil
}
