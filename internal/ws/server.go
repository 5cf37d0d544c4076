package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

type TokenVerifier interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     TokenVerifier
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth TokenVerifier, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}

	conn := NewConnection(ws, userID)
	if err := s.hub.Connect(userID, conn); err != nil {
		slog.Error("failed to subscribe connection", "user_id", userID, "error", err)
		_ = ws.Close()
		return
	}
	defer s.hub.Disconnect(userID, conn)

	if err := conn.Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "user_id", userID, "error", err)
	}
}
