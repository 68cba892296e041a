package models

import (
	"encoding/json"
	"testing"
)

func TestChannelPayloadRoundTrip(t *testing.T) {
	t.Run("Chat", func(t *testing.T) {
		msg := &Message{TempID: "t1", Room: "r", Text: "hi"}
		data, err := EncodeChatPayload(msg)
		if err != nil {
			t.Fatal(err)
		}

		payload, err := DecodeChannelPayload(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if payload.Kind != ChannelPayloadChat {
			t.Fatalf("expected chat kind, got %s", payload.Kind)
		}
		if payload.Message.TempID != "t1" || payload.Message.Text != "hi" {
			t.Errorf("got %+v", payload.Message)
		}
	})

	t.Run("Key", func(t *testing.T) {
		data, err := EncodeKeyPayload("the-key")
		if err != nil {
			t.Fatal(err)
		}

		payload, err := DecodeChannelPayload(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if payload.Kind != ChannelPayloadKey || payload.Key != "the-key" {
			t.Errorf("got %+v", payload)
		}
	})
}

func TestDecodeChannelPayloadRejects(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{{`,
		"unknown type":      `{"type":"presence"}`,
		"chat without body": `{"type":"msg"}`,
		"key without key":   `{"type":"key"}`,
		"bare message":      `{"id":"m1","text":"untagged"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeChannelPayload([]byte(raw)); err == nil {
				t.Errorf("expected decode failure for %s", raw)
			}
		})
	}
}

func TestEventWireShape(t *testing.T) {
	ev := ServerEvent{
		Event:    EventChatMessage,
		Room:     "r",
		SocketID: "s1",
		Message:  &Message{ID: "m1", TempID: "t1", Room: "r", Text: "hi"},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	// tempId rides along on the echo so the sender can reconcile.
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	msg, ok := decoded["message"].(map[string]any)
	if !ok {
		t.Fatalf("message missing from %s", data)
	}
	if msg["tempId"] != "t1" {
		t.Errorf("tempId missing from echo: %v", msg)
	}
}
