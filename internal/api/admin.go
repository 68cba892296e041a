package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"waves/internal/auth"
)

type AdminHandler struct {
	authService *auth.AuthService
}

func NewAdminHandler(authService *auth.AuthService) *AdminHandler {
	return &AdminHandler{authService: authService}
}

type AddUserRequest struct {
	UserName string `json:"userName"`
	Color    string `json:"color,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserName string `json:"userName,omitempty"`
	Password string `json:"password,omitempty"`
}

// AddUserHandler creates a registered user with a random password and
// returns the credentials for out-of-band delivery.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserName == "" {
		http.Error(w, "userName is required", http.StatusBadRequest)
		return
	}

	color := req.Color
	if color == "" {
		color = "#7c3aed"
	}

	password, err := randomPassword()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := h.authService.Signup(auth.SignupRequest{
		UserName: req.UserName,
		Password: password,
		Color:    color,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Success: false,
			Message: resp.Message,
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserName: req.UserName,
		Password: password,
	})
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
