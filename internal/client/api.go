package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"waves/internal/models"
)

// APIClient talks to the chat server's REST interface. It implements the
// reconciler's Server interface.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns the session token obtained by Login or Signup.
func (c *APIClient) Token() string {
	return c.token
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Signup registers a user. An empty password creates an anonymous user.
func (c *APIClient) Signup(ctx context.Context, username, password, color string) (models.User, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]any{
		"userName":    username,
		"password":    password,
		"color":       color,
		"isAnonymous": password == "",
	}, &resp)
	if err != nil {
		return models.User{}, err
	}
	if resp.User == nil {
		return models.User{}, fmt.Errorf("signup response missing user")
	}
	c.token = resp.Token
	return *resp.User, nil
}

// Login authenticates and stores the session token for later calls.
func (c *APIClient) Login(ctx context.Context, username, password string) (models.User, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"userName": username,
		"password": password,
	}, &resp)
	if err != nil {
		return models.User{}, err
	}
	if resp.User == nil {
		return models.User{}, fmt.Errorf("login response missing user")
	}
	c.token = resp.Token
	return *resp.User, nil
}

// FetchHistory returns the most recent messages of a room in creation-time
// ascending order.
func (c *APIClient) FetchHistory(ctx context.Context, room string, limit int) ([]models.Message, error) {
	var messages []models.Message
	path := fmt.Sprintf("/api/messages/%s?limit=%d", room, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage persists a message and returns the server's copy with the
// permanent id assigned.
func (c *APIClient) SendMessage(ctx context.Context, room string, req models.SendRequest) (*models.Message, error) {
	var msg models.Message
	path := "/api/messages/send/" + room
	if err := c.do(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// React toggles the user's emoji reaction on a message.
func (c *APIClient) React(ctx context.Context, messageID, emoji string) error {
	path := fmt.Sprintf("/api/messages/%s/react", messageID)
	return c.do(ctx, http.MethodPost, path, models.ReactRequest{Emoji: emoji}, nil)
}

// AssignRoom joins and returns the network room derived from the caller's
// IP subnet.
func (c *APIClient) AssignRoom(ctx context.Context) (models.RoomInfo, error) {
	var info models.RoomInfo
	if err := c.do(ctx, http.MethodGet, "/api/rooms/assign", nil, &info); err != nil {
		return models.RoomInfo{}, err
	}
	return info, nil
}

// CreateRoom creates a custom room and returns its info, including the
// invite code.
func (c *APIClient) CreateRoom(ctx context.Context) (models.RoomInfo, error) {
	var info models.RoomInfo
	if err := c.do(ctx, http.MethodPost, "/api/rooms/create", struct{}{}, &info); err != nil {
		return models.RoomInfo{}, err
	}
	return info, nil
}

// JoinRoom joins a custom room by invite code.
func (c *APIClient) JoinRoom(ctx context.Context, code string) (models.RoomInfo, error) {
	var info models.RoomInfo
	err := c.do(ctx, http.MethodPost, "/api/rooms/join", map[string]string{"code": code}, &info)
	if err != nil {
		return models.RoomInfo{}, err
	}
	return info, nil
}

// LeaveRoom removes the caller from a room's member list.
func (c *APIClient) LeaveRoom(ctx context.Context, room string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/leave/"+room, struct{}{}, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
