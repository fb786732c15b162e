package server

import (
	"context"
	"net/http"
	"time"

	"SynthFM/logger"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket 配置
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventsHandler upgrades to a WebSocket and streams the caller's job events.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[Events] WebSocket 升级失败", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.events.Subscribe(ctx, user.ID)
	if err != nil {
		logger.Error("[Events] 订阅失败", logger.Int64("userId", user.ID), logger.ErrorField(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}
	logger.Info("[Events] 客户端已连接", logger.Int64("userId", user.ID))

	// the read loop only serves control frames and notices the close
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("[Events] WebSocket 异常关闭",
						logger.Int64("userId", user.ID),
						logger.ErrorField(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
