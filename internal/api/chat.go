package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kartoza/policy-proof/internal/chat"
	"github.com/kartoza/policy-proof/internal/models"
	"go.uber.org/zap"
)

const (
	wsReadLimit  = 16 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsWriteWait  = 10 * time.Second
)

// handleChat answers one message. The HTTP endpoint keeps no state; clients
// send prior turns in history.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if status, err := h.decodeBody(w, r, &req); err != nil {
		respondError(w, status, err.Error())
		return
	}

	session := chat.NewSession(h.responder)
	history := make([]chat.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, chat.Message{Role: m.Role, Content: m.Content})
	}
	session.Resume(history)

	reply, err := session.Send(r.Context(), req.Message)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, models.ChatResponse{Reply: reply})
}

// handleChatSocket keeps a conversation per connection. Frames are either
// {"message": "..."} or plain text.
func (h *Handler) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	log := zap.L().With(zap.String("request_id", RequestIDFrom(r.Context())))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug("api: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := r.Context()
	done := make(chan struct{})
	defer close(done)
	// gorilla connections allow one concurrent writer; pings go through
	// WriteControl, which is safe alongside WriteJSON.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	send := func(m models.WSMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}

	if err := send(models.WSMessage{Type: "info", Message: "Connected to Policy Proof chat."}); err != nil {
		return
	}

	session := chat.NewSession(h.responder)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("api: websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		text, ok := socketText(data)
		if !ok {
			if err := send(models.WSMessage{Type: "error", Message: "Invalid message payload."}); err != nil {
				return
			}
			continue
		}

		reply, err := session.Send(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err := send(models.WSMessage{Type: "error", Message: "Invalid message payload."}); err != nil {
				return
			}
			continue
		}
		if err := send(models.WSMessage{Type: "message", From: chat.RoleAssistant, Message: reply}); err != nil {
			return
		}
	}
}

// socketText extracts the message from a frame. JSON objects must carry a
// string "message"; anything that is not JSON is taken as the text itself.
func socketText(data []byte) (string, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		text := strings.TrimSpace(string(data))
		return text, text != ""
	}
	var msg string
	if err := json.Unmarshal(payload["message"], &msg); err != nil {
		return "", false
	}
	msg = strings.TrimSpace(msg)
	return msg, msg != ""
}

// checkOrigin applies the CORS allow-list to websocket upgrades.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
