package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidMessage is wrapped by all message validation failures so
	// callers can distinguish them from transport errors with errors.Is.
	ErrInvalidMessage = errors.New("invalid message")
)

const (
	// MaxMessageLength is enforced before any delivery path is attempted.
	MaxMessageLength = 1000

	// GlobalRoomName is the fixed name of the singleton global room.
	GlobalRoomName = "global-room"
)

type RoomKind string

const (
	RoomKindGlobal  RoomKind = "global"
	RoomKindNetwork RoomKind = "network"
	RoomKindCustom  RoomKind = "custom"
)

// User represents a chat participant. Anonymous users carry a shorter TTL
// and no password hash.
type User struct {
	ID          string    `json:"id"`
	UserName    string    `json:"userName"`
	Color       string    `json:"color"`
	IsAnonymous bool      `json:"isAnonymous"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Sender is the inline-resolved subset of User attached to messages.
type Sender struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	Color       string `json:"color"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// Reaction is a single user's emoji reaction on a message. A message holds
// at most one reaction per user.
type Reaction struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReplyRef is the inline-resolved target of a reply.
type ReplyRef struct {
	ID         string `json:"id"`
	Sender     Sender `json:"sender"`
	Text       string `json:"text,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
}

// Message is a chat message. Exactly one of Text or Ciphertext+IV carries
// the content. TempID is only present on the round-trip confirmation of a
// freshly sent message and is never persisted under that identifier.
type Message struct {
	ID         string     `json:"id"`
	TempID     string     `json:"tempId,omitempty"`
	Sender     Sender     `json:"sender"`
	Room       string     `json:"room"`
	Text       string     `json:"text,omitempty"`
	Rendered   string     `json:"rendered,omitempty"`
	Ciphertext string     `json:"ciphertext,omitempty"`
	IV         string     `json:"iv,omitempty"`
	Image      string     `json:"image,omitempty"`
	ReplyTo    *ReplyRef  `json:"replyTo,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Encrypted reports whether the message content is carried as ciphertext.
func (m *Message) Encrypted() bool {
	return m.Ciphertext != "" && m.IV != ""
}

// Validate checks the message content invariants. It does not check
// identifiers: provisional messages are validated before the server assigns
// a permanent id.
func (m *Message) Validate() error {
	hasText := m.Text != ""
	hasCipher := m.Ciphertext != ""
	hasIV := m.IV != ""

	if hasCipher != hasIV {
		return fmt.Errorf("%w: ciphertext and iv must be provided together", ErrInvalidMessage)
	}
	if !hasText && !hasCipher && m.Image == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if hasText && hasCipher {
		return fmt.Errorf("%w: text and ciphertext are mutually exclusive", ErrInvalidMessage)
	}
	if len(m.Text) > MaxMessageLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, MaxMessageLength)
	}
	if m.Room == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidMessage)
	}
	return nil
}

// Room is a named message scope.
type Room struct {
	ID          string    `json:"id"`
	RoomName    string    `json:"roomName"`
	Kind        RoomKind  `json:"kind"`
	Code        string    `json:"code,omitempty"`
	Members     []string  `json:"members"`
	CreatedByIP string    `json:"createdByIp,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// HasMember reports whether the user is a member of the room.
func (r *Room) HasMember(userID string) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// RoomInfo is the membership summary returned by the room endpoints.
type RoomInfo struct {
	RoomID      string   `json:"roomId"`
	RoomName    string   `json:"roomName"`
	Code        string   `json:"code,omitempty"`
	MemberCount int      `json:"memberCount"`
	Members     []Sender `json:"members,omitempty"`
}

// SendRequest is the body of POST /api/messages/send/{room}.
type SendRequest struct {
	Text       string `json:"text,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
	Image      string `json:"image,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`
	TempID     string `json:"tempId"`
	P2PSent    bool   `json:"p2pSent"`
}

// ReactRequest is the body of POST /api/messages/{id}/react.
type ReactRequest struct {
	Emoji string `json:"emoji"`
}
