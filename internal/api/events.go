package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"AgentCompany/internal/auth"
	"AgentCompany/internal/events"
	"AgentCompany/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleEvents 把公司事件总线推送到 websocket。?after=<seq> 先补发历史事件，
// ?topics=task.*,payment.* 过滤主题。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var patterns []string
	for _, p := range strings.Split(q.Get("topics"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	var sub *events.Subscription
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "after 必须是事件序号")
			return
		}
		sub = c.Bus().SubscribeFrom(after, patterns...)
	} else {
		sub = c.Bus().Subscribe(patterns...)
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()
	log := s.log.With(
		slog.String(logger.KeyCompany, c.Name()),
		slog.String("subject", auth.SubjectName(r.Context())),
	)
	log.Debug("事件流已连接", slog.Any("topics", patterns))

	// 读循环只处理 pong 与关闭帧。
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "company closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("事件流写入失败", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
