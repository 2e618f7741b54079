// Package ws 通过 websocket 推送日志总线上的消息。
package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jokerjunya/ticket-get/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var levelRank = map[string]int{
	logbus.LevelDebug: 0,
	logbus.LevelInfo:  1,
	logbus.LevelWarn:  2,
	logbus.LevelError: 3,
}

type Handler struct {
	bus          *logbus.Bus
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(bus *logbus.Bus, allowOrigins []string) *Handler {
	h := &Handler{
		bus:          bus,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// ServeHTTP 先补发总线缓存的历史消息，再持续推送新消息。
// ?level=warn 只推送该级别及以上的日志，非日志消息总是推送。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}
	minRank := levelRank[strings.ToLower(r.URL.Query().Get("level"))]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 先订阅再取快照，两者之间的消息可能重复但不会丢。
	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	for _, msg := range h.bus.Snapshot() {
		if !wanted(msg, minRank) {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(writeWait))
				return
			}
			if !wanted(msg, minRank) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func wanted(msg logbus.Message, minRank int) bool {
	if minRank == 0 || msg.Type != "log" {
		return true
	}
	data, ok := msg.Data.(logbus.LogData)
	if !ok {
		return true
	}
	return levelRank[data.Level] >= minRank
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
