package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"waves/internal/auth"
	"waves/internal/config"
	"waves/internal/content"
	"waves/internal/filestore"
	"waves/internal/hub"
	"waves/internal/models"
	"waves/internal/push"
	"waves/internal/rooms"
	"waves/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const (
	historyWindow  = 50
	maxUploadBytes = 5 << 20
)

type API struct {
	auth     *auth.AuthService
	hub      *hub.Hub
	rooms    *rooms.Directory
	storage  *storage.BboltStorage
	files    filestore.FileStore
	notifier *push.Notifier
	cfg      *config.Config
}

func New(
	authService *auth.AuthService,
	h *hub.Hub,
	directory *rooms.Directory,
	store *storage.BboltStorage,
	files filestore.FileStore,
	notifier *push.Notifier,
	cfg *config.Config,
) *API {
	return &API{
		auth:     authService,
		hub:      h,
		rooms:    directory,
		storage:  store,
		files:    files,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth wraps a handler, resolving the session user and passing it on
// via the request headers-independent callback signature.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, user models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.GetUser(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- Auth ---

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := a.auth.Signup(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, resp.Message)
		return
	}

	a.setTokenCookie(w, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, resp.Message)
		return
	}

	a.setTokenCookie(w, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) setTokenCookie(w http.ResponseWriter, resp auth.LoginResponse) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) CheckAuthHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	writeJSON(w, http.StatusOK, user)
}

// --- Messages ---

// GetMessagesHandler returns the most recent window of a room's messages in
// creation-time ascending order, with senders, reactions and reply targets
// resolved inline.
func (a *API) GetMessagesHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	room := r.PathValue("room")
	if _, err := a.rooms.Get(room); err != nil {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}

	limit := historyWindow
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := a.storage.ListMessages(room, limit)
	if err != nil {
		log.Printf("error listing messages for room %s: %v", room, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	res := newResolver(a.storage)
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, res.resolve(msg))
	}
	writeJSON(w, http.StatusOK, out)
}

// SendMessageHandler persists a message, assigns its permanent id and
// broadcasts it (with the round-trip tempId) to the room.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomName := r.PathValue("room")
	room, err := a.rooms.Get(roomName)
	if err != nil {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	now := time.Now()
	msg := models.Message{
		ID:         uuid.NewString(),
		Sender:     senderOf(user),
		Room:       roomName,
		Text:       content.Sanitize(req.Text),
		Ciphertext: req.Ciphertext,
		IV:         req.IV,
		Image:      req.Image,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.cfg.MessageTTL),
	}

	if req.ReplyTo != "" {
		target, err := a.storage.GetMessage(req.ReplyTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Reply target does not exist")
			return
		}
		if target.Room != roomName {
			writeError(w, http.StatusBadRequest, "Reply target belongs to a different room")
			return
		}
		msg.ReplyTo = &models.ReplyRef{ID: req.ReplyTo}
	}

	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.storage.AppendMessage(msg); err != nil {
		log.Printf("error persisting message in room %s: %v", roomName, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resolved := newResolver(a.storage).resolve(msg)
	resolved.TempID = req.TempID

	a.hub.Broadcast(roomName, models.ServerEvent{
		Event:   models.EventChatMessage,
		Room:    roomName,
		Message: &resolved,
	})

	if a.notifier.Enabled() && !req.P2PSent {
		online := a.hub.OnlineUsers(roomName)
		go a.notifier.NotifyOffline(room, resolved.Sender, online)
	}

	writeJSON(w, http.StatusCreated, resolved)
}

// ReactHandler toggles the acting user's reaction on a message and
// broadcasts the authoritative updated message to its room.
func (a *API) ReactHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if action := r.PathValue("action"); action != "" && action != "react" {
		http.NotFound(w, r)
		return
	}
	messageID := r.PathValue("id")

	var req models.ReactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "Emoji is required")
		return
	}

	updated, err := a.storage.ToggleReaction(messageID, user.ID, req.Emoji, time.Now())
	if errors.Is(err, models.ErrNotFound) {
		// The message may have expired between toggle and delivery; a
		// no-op error, never a crash.
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		log.Printf("error toggling reaction on %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resolved := newResolver(a.storage).resolve(updated)

	a.hub.Broadcast(resolved.Room, models.ServerEvent{
		Event:   models.EventMessageReacted,
		Room:    resolved.Room,
		Message: &resolved,
	})

	writeJSON(w, http.StatusOK, resolved)
}

// CleanupHandler trims every room to the configured retention count.
// TTL-based expiry runs independently of this endpoint.
func (a *API) CleanupHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	deleted, err := a.storage.CleanupRooms(a.cfg.MessageRetention)
	if err != nil {
		log.Printf("cleanup error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// --- Rooms ---

func (a *API) AssignRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	ip := clientIP(r)
	if ip == "" {
		writeError(w, http.StatusBadRequest, "Could not determine IP address")
		return
	}

	room, err := a.rooms.Assign(ip, user.ID)
	if err != nil {
		log.Printf("error assigning network room for %s: %v", ip, err)
		writeError(w, http.StatusInternalServerError, "Failed to assign room")
		return
	}

	writeJSON(w, http.StatusOK, a.rooms.Info(room, true))
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	room, err := a.rooms.CreateCustom(clientIP(r))
	if err != nil {
		log.Printf("error creating custom room: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	writeJSON(w, http.StatusOK, a.rooms.Info(room, true))
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "Room code is required")
		return
	}

	room, err := a.rooms.FindByCode(req.Code)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to join room")
		return
	}

	if _, err := a.rooms.Join(room.RoomName, user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to join room")
		return
	}

	// Member details stay private on code joins.
	writeJSON(w, http.StatusOK, a.rooms.Info(room, false))
}

func (a *API) LeaveRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomName := r.PathValue("room")
	if err := a.rooms.Leave(roomName, user.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to leave room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Left room successfully"})
}

// --- Uploads ---

func (a *API) UploadImageHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}

	if !filetype.IsImage(data) {
		writeError(w, http.StatusBadRequest, "Only image uploads are allowed")
		return
	}
	kind, err := filetype.Match(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unrecognized file type")
		return
	}

	hash := filestore.HashBytes(data)
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("error saving upload: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store image")
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UnixNano(),
		UserID:    user.ID,
	}
	if err := a.storage.UpsertFileMetadata(meta); err != nil {
		log.Printf("error saving upload metadata: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store image")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": meta.ID})
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.storage.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := a.files.Get(meta.Hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("error serving image %s: %v", meta.ID, err)
	}
}

// --- Push subscriptions ---

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}
	if err := a.storage.UpsertPushSubscription(user.ID, string(body)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if err := a.storage.DeletePushSubscription(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- helpers ---

func senderOf(user models.User) models.Sender {
	return models.Sender{
		ID:          user.ID,
		UserName:    user.UserName,
		Color:       user.Color,
		IsAnonymous: user.IsAnonymous,
	}
}

// clientIP prefers the forwarded address so subnet-derived rooms work
// behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
