package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"waves/internal/api"
	"waves/internal/auth"
	"waves/internal/hub"
	"waves/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, h *hub.Hub, apiHandlers *api.API, addr string) *APIServer {
	server := ws.NewServer(authService, h)

	mux := http.NewServeMux()

	// Auth endpoints
	mux.HandleFunc("POST /api/auth/signup", apiHandlers.SignupHandler)
	mux.HandleFunc("POST /api/auth/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/auth/logout", apiHandlers.LogoutHandler)
	mux.HandleFunc("GET /api/auth/check", apiHandlers.RequireAuth(apiHandlers.CheckAuthHandler))

	// Message endpoints. The react route is registered as {id}/{action} so
	// it does not collide with the literal send/{room} pattern; the handler
	// rejects anything but "react".
	mux.HandleFunc("GET /api/messages/{room}", apiHandlers.RequireAuth(apiHandlers.GetMessagesHandler))
	mux.HandleFunc("POST /api/messages/send/{room}", apiHandlers.RequireAuth(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/messages/{id}/{action}", apiHandlers.RequireAuth(apiHandlers.ReactHandler))
	mux.HandleFunc("DELETE /api/messages/cleanup", apiHandlers.RequireAuth(apiHandlers.CleanupHandler))

	// Room endpoints
	mux.HandleFunc("GET /api/rooms/assign", apiHandlers.RequireAuth(apiHandlers.AssignRoomHandler))
	mux.HandleFunc("POST /api/rooms/create", apiHandlers.RequireAuth(apiHandlers.CreateRoomHandler))
	mux.HandleFunc("POST /api/rooms/join", apiHandlers.RequireAuth(apiHandlers.JoinRoomHandler))
	mux.HandleFunc("POST /api/rooms/leave/{room}", apiHandlers.RequireAuth(apiHandlers.LeaveRoomHandler))

	// Uploads and push subscriptions
	mux.HandleFunc("POST /api/upload/image", apiHandlers.RequireAuth(apiHandlers.UploadImageHandler))
	mux.HandleFunc("GET /api/images/{id}", apiHandlers.GetImageHandler)
	mux.HandleFunc("POST /api/push/subscribe", apiHandlers.RequireAuth(apiHandlers.SubscribePushHandler))
	mux.HandleFunc("DELETE /api/push/subscribe", apiHandlers.RequireAuth(apiHandlers.UnsubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
