package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"SynthFM/app"
	"SynthFM/logger"

	"github.com/gorilla/mux"
)

// NewRouter wires every route of the API. CORS wraps the router so that
// preflight requests, which match no route, still get their headers.
func NewRouter(h *APIHandler) http.Handler {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)

	// 用户认证相关的API端点
	router.HandleFunc("/api/users", h.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/login", h.LoginHandler).Methods(http.MethodPost)

	router.HandleFunc("/api/genres", h.GenresHandler).Methods(http.MethodGet)

	// 歌曲相关的API端点
	router.HandleFunc("/api/songs", h.AuthMiddleware(h.RateLimit(h.UploadSongHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/songs/synth", h.AuthMiddleware(h.RateLimit(h.UploadSynthHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/songs", h.AuthMiddleware(h.ListSongsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/songs/public", h.AuthMiddleware(h.ListPublicSongsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/songs/{id:[0-9]+}", h.AuthMiddleware(h.DownloadSongHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/songs/{id:[0-9]+}", h.AuthMiddleware(h.DeleteSongHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/songs/{id:[0-9]+}/process", h.AuthMiddleware(h.RateLimit(h.ProcessSongHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/songs/{id:[0-9]+}/rating", h.AuthMiddleware(h.RateSongHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/songs/{id:[0-9]+}/public", h.AuthMiddleware(h.MakePublicHandler)).Methods(http.MethodPost)

	router.HandleFunc("/api/events", h.AuthMiddleware(h.EventsHandler)).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return recoveryMiddleware(corsMiddleware(router))
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, a *app.App) error {
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           NewRouter(NewAPIHandler(a)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] 启动 HTTP 服务", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("[Server] 正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("[Server] 已停止")
	return nil
}
