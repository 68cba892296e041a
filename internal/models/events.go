package models

import (
	"encoding/json"
	"fmt"
)

// Hub event names, client to server.
const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventOffer           = "webrtc-offer"
	EventAnswer          = "webrtc-answer"
	EventICECandidate    = "webrtc-ice-candidate"
	EventShareGroupKey   = "share-group-key"
	EventRequestGroupKey = "request-group-key"
)

// Hub event names, server to client.
const (
	// EventConnected is the first frame on a new socket and tells the
	// client its own socket id, used to address signaling events.
	EventConnected         = "connected"
	EventChatMessage       = "chatMessage"
	EventMessageReacted    = "message-reacted"
	EventExistingRoomUsers = "existing-room-users"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventGroupKeyShared    = "group-key-shared"
	EventGroupKeyRequest   = "group-key-request"
)

// ClientEvent is a frame sent by a client over the hub socket.
// Signaling payloads stay opaque to the server: the hub relays them
// verbatim between sockets sharing a room.
type ClientEvent struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	To      string          `json:"to,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is a frame sent by the hub to a client.
type ServerEvent struct {
	Event    string          `json:"event"`
	Room     string          `json:"room,omitempty"`
	From     string          `json:"from,omitempty"`
	SocketID string          `json:"socketId,omitempty"`
	Users    []string        `json:"users,omitempty"`
	Key      string          `json:"key,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  *Message        `json:"message,omitempty"`
}

// ChannelPayloadKind discriminates direct-channel payloads. Payloads are
// decoded exactly once at the channel boundary; downstream code switches on
// the kind, never on raw JSON shape.
type ChannelPayloadKind string

const (
	ChannelPayloadChat ChannelPayloadKind = "msg"
	ChannelPayloadKey  ChannelPayloadKind = "key"
)

// ChannelPayload is the tagged variant carried over a direct channel.
type ChannelPayload struct {
	Kind    ChannelPayloadKind
	Message *Message
	Key     string
}

type wireChannelPayload struct {
	Type    ChannelPayloadKind `json:"type"`
	Message *Message           `json:"message,omitempty"`
	Key     string             `json:"key,omitempty"`
}

// EncodeChatPayload wraps a message for direct-channel transmission.
func EncodeChatPayload(msg *Message) ([]byte, error) {
	return json.Marshal(wireChannelPayload{Type: ChannelPayloadChat, Message: msg})
}

// EncodeKeyPayload wraps a base64 group key for direct-channel transmission.
func EncodeKeyPayload(key string) ([]byte, error) {
	return json.Marshal(wireChannelPayload{Type: ChannelPayloadKey, Key: key})
}

// DecodeChannelPayload parses a direct-channel frame into its tagged variant.
func DecodeChannelPayload(data []byte) (ChannelPayload, error) {
	var w wireChannelPayload
	if err := json.Unmarshal(data, &w); err != nil {
		return ChannelPayload{}, fmt.Errorf("malformed channel payload: %w", err)
	}
	switch w.Type {
	case ChannelPayloadChat:
		if w.Message == nil {
			return ChannelPayload{}, fmt.Errorf("chat payload missing message")
		}
		return ChannelPayload{Kind: ChannelPayloadChat, Message: w.Message}, nil
	case ChannelPayloadKey:
		if w.Key == "" {
			return ChannelPayload{}, fmt.Errorf("key payload missing key")
		}
		return ChannelPayload{Kind: ChannelPayloadKey, Key: w.Key}, nil
	default:
		return ChannelPayload{}, fmt.Errorf("unknown channel payload type %q", w.Type)
	}
}
