package ws

import (
	"log"
	"net/http"

	"waves/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	auth     *auth.AuthService
	hub      eventHub
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.AuthService, hub eventHub) *Server {
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
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}

	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	socketID := uuid.NewString()
	conn := NewConnection(s.hub, ws, socketID, userID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("socket %s closed with error: %v", socketID, err)
	}
}
