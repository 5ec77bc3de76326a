package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/xhad/lexqa/internal/models"
)

const (
	MessageQuestion = "question"
	MessageAnswer   = "answer"
	MessageError    = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one WebSocket frame in either direction. Clients send
// {"type":"question","content":"...","session_id":"..."}; the server replies
// with "answer" carrying the Answer in data, or "error" with a message in
// content (and the failed Answer in data when there is one).
type Message struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      *models.Answer `json:"data,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", RequestID(r.Context())).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	// Questions on one connection are answered in order.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendMessage(conn, Message{Type: MessageError, Content: "message must be JSON"})
			continue
		}
		if msg.Type != MessageQuestion {
			s.sendMessage(conn, Message{Type: MessageError, Content: "unsupported message type " + msg.Type})
			continue
		}

		answer, err := s.answer(ctx, AnswerRequest{Question: msg.Content, SessionID: msg.SessionID})
		if err != nil {
			s.sendMessage(conn, Message{Type: MessageError, Content: answer.Error, SessionID: answer.SessionID, Data: answer})
			continue
		}
		s.sendMessage(conn, Message{Type: MessageAnswer, SessionID: answer.SessionID, Data: answer})
	}
}

func (s *Server) sendMessage(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("error sending message")
	}
}
