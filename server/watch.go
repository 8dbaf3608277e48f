package server

import (
	"net/http"
	"time"

	"soundslice/logger"
	"soundslice/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // 写入超时
	pongWait       = 60 * time.Second    // 等待 pong 响应超时
	pingPeriod     = (pongWait * 9) / 10 // ping 间隔 (必须小于 pongWait)
	maxMessageSize = 512
	watchPoll      = 500 * time.Millisecond
	watchMaxAge    = 30 * time.Minute
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WatchReuseHandler 通过 websocket 推送复用记录快照，版本变化时推送，终结后关闭
func (h *APIHandler) WatchReuseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := mux.Vars(r)["id"]

	// 升级前完成鉴权，失败时仍能返回普通 HTTP 错误
	rec, err := h.visibleRecord(r.Context(), id, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket", logger.RecordID(id), logger.ErrorField(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// 客户端不发业务消息，读循环只负责处理 pong 和关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					logger.Warn("WebSocket unexpected close", logger.RecordID(id), logger.ErrorField(err))
				}
				return
			}
		}
	}()

	if !h.pushSnapshot(conn, rec, userID) || rec.Status.IsTerminal() {
		h.closeWatch(conn, "settled")
		return
	}

	poll := time.NewTicker(watchPoll)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	deadline := time.NewTimer(watchMaxAge)
	defer deadline.Stop()

	lastVersion := rec.Version
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-deadline.C:
			h.closeWatch(conn, "watch expired")
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			cur, err := h.engine.Record(r.Context(), id)
			if err != nil {
				logger.Warn("watch poll failed", logger.RecordID(id), logger.ErrorField(err))
				continue
			}
			if cur.Version == lastVersion {
				continue
			}
			lastVersion = cur.Version
			if !h.pushSnapshot(conn, cur, userID) {
				return
			}
			if cur.Status.IsTerminal() {
				h.closeWatch(conn, "settled")
				return
			}
		}
	}
}

func (h *APIHandler) pushSnapshot(conn *websocket.Conn, rec *model.ReuseRecord, viewerID string) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(h.newReuseView(rec, viewerID)); err != nil {
		logger.Debug("watch write failed", logger.RecordID(rec.ID), logger.ErrorField(err))
		return false
	}
	return true
}

func (h *APIHandler) closeWatch(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
