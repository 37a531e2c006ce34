package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sidekick/internal/agent"
)

const (
	wsReadLimit  = 64 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

// ChatMessage is one client frame on the chat socket.
type ChatMessage struct {
	ThreadID string `json:"thread_id,omitempty"` // defaults to ws-<owner>
	Text     string `json:"text"`
}

// ChatReply is one server frame on the chat socket.
type ChatReply struct {
	ThreadID string `json:"thread_id"`
	Reply    string `json:"reply"`
	Error    string `json:"error,omitempty"`
}

// handleChatSocket bridges a websocket onto conversation turns. Each
// text frame is a ChatMessage; each reply is a ChatReply. Turns on one
// socket run one at a time.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	owner := ownerFrom(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// WriteControl may run concurrently with the reply writes below.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	log := s.logger.With("owner", owner)
	log.Info("chat socket opened")
	for {
		var msg ChatMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("chat socket read failed", "error", err)
			}
			log.Info("chat socket closed")
			return
		}
		thread := strings.TrimSpace(msg.ThreadID)
		if thread == "" {
			thread = "ws-" + owner
		}
		out := ChatReply{ThreadID: thread}

		text := strings.TrimSpace(msg.Text)
		if text == "" {
			out.Error = "text is required"
		} else {
			reply, err := s.chat.RunTurn(ctx, thread, owner, text)
			if err != nil {
				log.Error("turn failed", "thread", thread, "error", err)
				out.Reply = agent.UserMessage(err)
				out.Error = err.Error()
			} else {
				out.Reply = reply
			}
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(out); err != nil {
			log.Warn("chat socket write failed", "error", err)
			return
		}
	}
}
