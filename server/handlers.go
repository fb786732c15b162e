package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"SynthFM/app"
	"SynthFM/core/auth"
	"SynthFM/core/errs"
	"SynthFM/core/notify"
	"SynthFM/core/songs"
	"SynthFM/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	auth     *auth.Service
	music    *songs.Service
	events   notify.Subscriber
	limiter  *uploadLimiter
	maxBytes int64
	upgrader websocket.Upgrader
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{
		auth:     a.Auth,
		music:    a.Music,
		events:   a.Bus,
		limiter:  newUploadLimiter(a.Config.UploadsPerMinute),
		maxBytes: a.Config.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrInvalidInput:
		return http.StatusBadRequest
	case errs.ErrUnauthorized:
		return http.StatusUnauthorized
	case errs.ErrForbidden:
		return http.StatusForbidden
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrDuplicateResource:
		return http.StatusConflict
	case errs.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Storage and unclassified errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		logger.Error("[API] 存储服务不可用",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		msg = "Storage temporarily unavailable"
	case http.StatusInternalServerError:
		logger.Error("[API] 内部错误",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		msg = "Internal server error"
	}
	writeMessage(w, status, msg)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", errs.ErrInvalidInput)
	}
	return nil
}

func songIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid song id", errs.ErrInvalidInput)
	}
	return id, nil
}

// GenresHandler lists the genres a processing request may use.
func (h *APIHandler) GenresHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"genres": h.music.Genres()})
}

// HealthHandler is the liveness probe.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
