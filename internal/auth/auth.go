package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"waves/internal/content"
	"waves/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	loginFailedMessage = "Invalid credentials"

	anonymousUserTTL  = 7 * 24 * time.Hour
	registeredUserTTL = 365 * 24 * time.Hour

	minPasswordLength = 6
)

var (
	ErrUserExists   = errors.New("user already exists")
	errInvalidToken = errors.New("invalid token")
)

type SignupRequest struct {
	UserName    string `json:"userName"`
	Password    string `json:"password"`
	Color       string `json:"color"`
	IsAnonymous bool   `json:"isAnonymous"`
}

type LoginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

// Store is the persistence the auth service needs.
type Store interface {
	UpsertUser(user models.User, passwordHash string) error
	GetUser(id string) (models.User, string, error)
	GetUserByName(name string) (models.User, string, error)
}

type credentials struct {
	User         models.User
	PasswordHash string
}

type Config struct {
	TokenExpiry time.Duration

	// Secret signs session tokens. A forged or tampered token fails the
	// signature check before any cache lookup happens.
	Secret string
}

type AuthService struct {
	Config
	store Store

	// Username-keyed view of known credentials; the Locker serializes the
	// check-then-create race on signup.
	users      *geche.Locker[string, *credentials]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}
	return &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *credentials](geche.NewMapCache[string, *credentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Signup creates a registered or anonymous user. Registered users must
// supply a password; anonymous users get a short TTL and no hash.
func (as *AuthService) Signup(req SignupRequest) (LoginResponse, error) {
	userName := strings.TrimSpace(req.UserName)
	if err := content.ValidateUsername(userName); err != nil {
		return LoginResponse{Message: err.Error()}, err
	}
	if err := content.ValidateColor(req.Color); err != nil {
		return LoginResponse{Message: err.Error()}, err
	}

	var hash string
	if !req.IsAnonymous {
		if len(req.Password) < minPasswordLength {
			err := fmt.Errorf("password must be at least %d characters long", minPasswordLength)
			return LoginResponse{Message: err.Error()}, err
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return LoginResponse{Message: "internal error"}, err
		}
		hash = string(hashed)
	}

	tx := as.users.Lock()
	defer tx.Unlock()

	if _, err := tx.Get(userName); err == nil {
		return LoginResponse{Message: "Username already exists"}, ErrUserExists
	}
	if _, _, err := as.store.GetUserByName(userName); err == nil {
		return LoginResponse{Message: "Username already exists"}, ErrUserExists
	}

	now := as.now()
	ttl := registeredUserTTL
	if req.IsAnonymous {
		ttl = anonymousUserTTL
	}
	user := models.User{
		ID:          uuid.NewString(),
		UserName:    userName,
		Color:       req.Color,
		IsAnonymous: req.IsAnonymous,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := as.store.UpsertUser(user, hash); err != nil {
		slog.Error("signup failed to persist user", "user_name", userName, "error", err)
		return LoginResponse{Message: "internal error"}, err
	}
	tx.Set(userName, &credentials{User: user, PasswordHash: hash})

	return as.issueToken(user)
}

// Login authenticates a user. Anonymous users authenticate by name alone,
// matching the original account model.
func (as *AuthService) Login(req LoginRequest) (LoginResponse, error) {
	userName := strings.TrimSpace(req.UserName)

	tx := as.users.Lock()
	creds, err := tx.Get(userName)
	if err != nil {
		user, hash, serr := as.store.GetUserByName(userName)
		if serr != nil {
			tx.Unlock()
			return LoginResponse{Message: loginFailedMessage}, models.ErrNotFound
		}
		creds = &credentials{User: user, PasswordHash: hash}
		tx.Set(userName, creds)
	}
	tx.Unlock()

	if !creds.User.IsAnonymous {
		if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
			return LoginResponse{Message: loginFailedMessage}, errors.New("password mismatch")
		}
	}

	return as.issueToken(creds.User)
}

func (as *AuthService) issueToken(user models.User) (LoginResponse, error) {
	token, err := as.generateToken()
	if err != nil {
		slog.Error("token generation failed", "user_id", user.ID, "error", err)
		return LoginResponse{Message: "internal error"}, err
	}
	as.liveTokens.Set(token, user.ID)

	u := user
	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: as.now().Unix() + int64(as.TokenExpiry.Seconds()),
		User:        &u,
	}, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

// Tokens are <random>.<signature>: a random id signed with the configured
// secret. The signature is checked before the live-token cache is consulted.
func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(b)
	return id + "." + as.signToken(id), nil
}

func (as *AuthService) signToken(id string) string {
	mac := hmac.New(sha256.New, []byte(as.Secret))
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (as *AuthService) verifyToken(token string) error {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(as.signToken(id))) {
		return errInvalidToken
	}
	return nil
}

// GetUserID resolves a live session token to a user id.
func (as *AuthService) GetUserID(token string) (string, error) {
	if err := as.verifyToken(token); err != nil {
		return "", err
	}
	return as.liveTokens.Get(token)
}

// GetUser resolves a live session token to the full user record.
func (as *AuthService) GetUser(token string) (models.User, error) {
	id, err := as.GetUserID(token)
	if err != nil {
		return models.User{}, err
	}
	user, _, err := as.store.GetUser(id)
	return user, err
}
