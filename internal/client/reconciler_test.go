package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"waves/internal/models"
)

var (
	testBase  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testSelf  = models.Sender{ID: "user1", UserName: "alice", Color: "#ff0000"}
	testOther = models.Sender{ID: "user2", UserName: "bob", Color: "#00ff00"}
)

type fakeServer struct {
	mu      sync.Mutex
	history []models.Message
	sendErr error
	nextID  int
	sent    []models.SendRequest
	// onSend runs before SendMessage returns, simulating hub traffic
	// racing the send response.
	onSend func(saved models.Message)
}

func (s *fakeServer) FetchHistory(_ context.Context, _ string, _ int) ([]models.Message, error) {
	return s.history, nil
}

func (s *fakeServer) SendMessage(_ context.Context, room string, req models.SendRequest) (*models.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextID++
	saved := models.Message{
		ID:         fmt.Sprintf("m%d", s.nextID),
		TempID:     req.TempID,
		Sender:     testSelf,
		Room:       room,
		Text:       req.Text,
		Ciphertext: req.Ciphertext,
		IV:         req.IV,
		CreatedAt:  testBase.Add(time.Duration(s.nextID) * time.Second),
	}
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(saved)
	}
	return &saved, nil
}

type fakePeers struct {
	mu     sync.Mutex
	accept int
	frames [][]byte
}

func (p *fakePeers) SendToPeers(payload []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, payload)
	return p.accept
}

func newTestReconciler(server *fakeServer, peers *fakePeers) *Reconciler {
	r := NewReconciler(ReconcilerConfig{
		Room:   "test-room",
		Self:   testSelf,
		Server: server,
		Peers:  peers,
	})

	var tempSeq int
	r.newID = func() string {
		tempSeq++
		return fmt.Sprintf("temp%d", tempSeq)
	}
	clock := testBase
	r.now = func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	}
	return r
}

func historyMessage(id string, sender models.Sender, text string, offset time.Duration) models.Message {
	return models.Message{
		ID:        id,
		Sender:    sender,
		Room:      "test-room",
		Text:      text,
		CreatedAt: testBase.Add(offset),
	}
}

func TestReconcilerSeed(t *testing.T) {
	server := &fakeServer{history: []models.Message{
		historyMessage("m1", testOther, "first", 0),
		historyMessage("m2", testSelf, "second", time.Second),
		historyMessage("m3", testOther, "third", 2*time.Second),
	}}
	r := newTestReconciler(server, &fakePeers{})

	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	list := r.Messages()
	if len(list) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(list))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if list[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].ID)
		}
	}

	// History ids are in the seen set: redelivery over the hub is a no-op.
	r.Ingest(historyMessage("m2", testSelf, "second", time.Second), SourceHub)
	if got := len(r.Messages()); got != 3 {
		t.Errorf("expected 3 messages after redelivery, got %d", got)
	}
}

func TestReconcilerSubmit(t *testing.T) {
	t.Run("OptimisticSendConfirmed", func(t *testing.T) {
		server := &fakeServer{}
		r := newTestReconciler(server, &fakePeers{})

		tempID, err := r.Submit(context.Background(), "hello", "")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if tempID != "temp1" {
			t.Errorf("expected temp1, got %s", tempID)
		}

		list := r.Messages()
		if len(list) != 1 {
			t.Fatalf("expected exactly 1 entry, got %d", len(list))
		}
		if list[0].ID != "m1" {
			t.Errorf("expected permanent id m1, got %q", list[0].ID)
		}
		if list[0].Text != "hello" {
			t.Errorf("expected text hello, got %q", list[0].Text)
		}
		if list[0].Provisional {
			t.Error("confirmed entry still marked provisional")
		}
	})

	t.Run("HubEchoKeepsListLength", func(t *testing.T) {
		// The hub echo lands before the send response. The echo promotes
		// the provisional entry in place; the response then finds the
		// permanent id already seen and does nothing.
		server := &fakeServer{}
		r := newTestReconciler(server, &fakePeers{})
		server.onSend = func(saved models.Message) {
			r.Ingest(saved, SourceHub)
		}

		if _, err := r.Submit(context.Background(), "hello", ""); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		list := r.Messages()
		if len(list) != 1 {
			t.Fatalf("expected exactly 1 entry, got %d", len(list))
		}
		if list[0].ID != "m1" {
			t.Errorf("expected permanent id m1, got %q", list[0].ID)
		}
	})

	t.Run("EchoPreservesPosition", func(t *testing.T) {
		server := &fakeServer{history: []models.Message{
			historyMessage("m100", testOther, "earlier", 0),
		}}
		r := newTestReconciler(server, &fakePeers{})
		if err := r.Seed(context.Background()); err != nil {
			t.Fatal(err)
		}

		tempID, err := r.Submit(context.Background(), "mine", "")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		// A later message from someone else lands before our echo.
		r.Ingest(historyMessage("m200", testOther, "later", time.Hour), SourceHub)
		r.Ingest(models.Message{
			ID:        "m1",
			TempID:    tempID,
			Sender:    testSelf,
			Room:      "test-room",
			Text:      "mine",
			CreatedAt: testBase.Add(30 * time.Minute),
		}, SourceHub)

		list := r.Messages()
		if len(list) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(list))
		}
		if list[1].ID != "m1" {
			t.Errorf("echo moved the entry: order is [%s %s %s]", list[0].ID, list[1].ID, list[2].ID)
		}
	})

	t.Run("BothPathsFailRevertsEntry", func(t *testing.T) {
		server := &fakeServer{sendErr: errors.New("boom")}
		r := newTestReconciler(server, &fakePeers{accept: 0})

		if _, err := r.Submit(context.Background(), "doomed", ""); err == nil {
			t.Fatal("expected Submit to fail when both paths fail")
		}
		if got := len(r.Messages()); got != 0 {
			t.Errorf("expected reverted list, got %d entries", got)
		}
	})

	t.Run("DirectPathAloneSucceeds", func(t *testing.T) {
		server := &fakeServer{sendErr: errors.New("boom")}
		peers := &fakePeers{accept: 2}
		r := newTestReconciler(server, peers)

		tempID, err := r.Submit(context.Background(), "peer delivered", "")
		if err != nil {
			t.Fatalf("expected Submit to succeed via the direct path: %v", err)
		}
		list := r.Messages()
		if len(list) != 1 || list[0].TempID != tempID {
			t.Fatalf("expected the provisional entry to survive")
		}
		if len(peers.frames) != 1 {
			t.Errorf("expected 1 direct frame, got %d", len(peers.frames))
		}
		if !server.sent[0].P2PSent {
			t.Error("send request should report direct delivery")
		}
	})

	t.Run("Validation", func(t *testing.T) {
		server := &fakeServer{}
		r := newTestReconciler(server, &fakePeers{})

		if _, err := r.Submit(context.Background(), "", ""); !errors.Is(err, models.ErrInvalidMessage) {
			t.Errorf("empty text: expected ErrInvalidMessage, got %v", err)
		}

		long := make([]byte, models.MaxMessageLength+1)
		for i := range long {
			long[i] = 'a'
		}
		if _, err := r.Submit(context.Background(), string(long), ""); !errors.Is(err, models.ErrInvalidMessage) {
			t.Errorf("oversized text: expected ErrInvalidMessage, got %v", err)
		}

		if _, err := r.Submit(context.Background(), "hi", "no-such-id"); !errors.Is(err, models.ErrInvalidMessage) {
			t.Errorf("unknown reply target: expected ErrInvalidMessage, got %v", err)
		}

		if len(server.sent) != 0 {
			t.Errorf("validation failures must not reach the server, got %d requests", len(server.sent))
		}
	})

	t.Run("Throttle", func(t *testing.T) {
		server := &fakeServer{}
		r := newTestReconciler(server, &fakePeers{})
		r.minInterval = time.Second
		fixed := testBase
		r.now = func() time.Time { return fixed }

		if _, err := r.Submit(context.Background(), "one", ""); err != nil {
			t.Fatalf("first Submit failed: %v", err)
		}
		if _, err := r.Submit(context.Background(), "two", ""); !errors.Is(err, ErrThrottled) {
			t.Errorf("expected ErrThrottled, got %v", err)
		}

		fixed = fixed.Add(2 * time.Second)
		if _, err := r.Submit(context.Background(), "three", ""); err != nil {
			t.Errorf("Submit after interval failed: %v", err)
		}
	})

	t.Run("ReplyCarriesTarget", func(t *testing.T) {
		server := &fakeServer{history: []models.Message{
			historyMessage("m50", testOther, "original", 0),
		}}
		r := newTestReconciler(server, &fakePeers{})
		if err := r.Seed(context.Background()); err != nil {
			t.Fatal(err)
		}

		if _, err := r.Submit(context.Background(), "reply text", "m50"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if server.sent[0].ReplyTo != "m50" {
			t.Errorf("expected replyTo m50, got %q", server.sent[0].ReplyTo)
		}
		list := r.Messages()
		last := list[len(list)-1]
		if last.ReplyTo == nil || last.ReplyTo.ID != "m50" {
			t.Error("rendered entry missing resolved reply target")
		}
	})

	t.Run("EchoWithoutReplyKeepsReference", func(t *testing.T) {
		server := &fakeServer{history: []models.Message{
			historyMessage("m50", testOther, "original", 0),
		}}
		r := newTestReconciler(server, &fakePeers{})
		if err := r.Seed(context.Background()); err != nil {
			t.Fatal(err)
		}

		// The hub echo races ahead of the send response; neither copy
		// carries the resolved reply reference here, the rendered one does.
		server.onSend = func(saved models.Message) {
			r.Ingest(saved, SourceHub)
		}
		if _, err := r.Submit(context.Background(), "reply text", "m50"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		list := r.Messages()
		last := list[len(list)-1]
		if last.ReplyTo == nil || last.ReplyTo.ID != "m50" {
			t.Error("reply reference lost during echo reconciliation")
		}
	})
}

func TestReconcilerIngestDedup(t *testing.T) {
	incoming := func(id, tempID string) models.Message {
		return models.Message{
			ID:        id,
			TempID:    tempID,
			Sender:    testOther,
			Room:      "test-room",
			Text:      "from bob",
			CreatedAt: testBase,
		}
	}

	t.Run("DirectThenHub", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(incoming("", "t9"), SourceDirect)
		r.Ingest(incoming("m9", "t9"), SourceHub)

		list := r.Messages()
		if len(list) != 1 {
			t.Fatalf("expected exactly 1 entry, got %d", len(list))
		}
		if list[0].ID != "m9" {
			t.Errorf("entry was not upgraded with its permanent id, got %q", list[0].ID)
		}
	})

	t.Run("HubThenDirect", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(incoming("m9", "t9"), SourceHub)
		r.Ingest(incoming("", "t9"), SourceDirect)

		list := r.Messages()
		if len(list) != 1 {
			t.Fatalf("expected exactly 1 entry, got %d", len(list))
		}
		if list[0].ID != "m9" {
			t.Errorf("direct copy clobbered the permanent id, got %q", list[0].ID)
		}
	})

	t.Run("HubTwice", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(incoming("m9", ""), SourceHub)
		r.Ingest(incoming("m9", ""), SourceHub)

		if got := len(r.Messages()); got != 1 {
			t.Fatalf("expected exactly 1 entry, got %d", got)
		}
	})

	t.Run("OutOfOrderInsert", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(historyMessage("m2", testOther, "later", time.Hour), SourceHub)
		r.Ingest(historyMessage("m1", testOther, "earlier", 0), SourceHub)

		list := r.Messages()
		if len(list) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(list))
		}
		if list[0].ID != "m1" || list[1].ID != "m2" {
			t.Errorf("expected creation-time order [m1 m2], got [%s %s]", list[0].ID, list[1].ID)
		}
	})
}

func TestReconcilerReactions(t *testing.T) {
	r := newTestReconciler(&fakeServer{}, &fakePeers{})
	r.Ingest(historyMessage("m1", testOther, "hello", 0), SourceHub)

	set1 := []models.Reaction{{UserID: "user1", Emoji: "👍", CreatedAt: testBase}}
	set2 := []models.Reaction{
		{UserID: "user1", Emoji: "🔥", CreatedAt: testBase},
		{UserID: "user2", Emoji: "👍", CreatedAt: testBase},
	}

	r.IngestReactionUpdate("m1", set1)
	list := r.Messages()
	if len(list[0].Reactions) != 1 || list[0].Reactions[0].Emoji != "👍" {
		t.Fatalf("first update not applied: %+v", list[0].Reactions)
	}

	// The full set is applied verbatim, never merged.
	r.IngestReactionUpdate("m1", set2)
	list = r.Messages()
	if len(list[0].Reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %d", len(list[0].Reactions))
	}

	r.IngestReactionUpdate("m1", nil)
	list = r.Messages()
	if len(list[0].Reactions) != 0 {
		t.Errorf("expected cleared reactions, got %d", len(list[0].Reactions))
	}

	// Updates for unknown (e.g. expired) messages are dropped.
	r.IngestReactionUpdate("gone", set1)
	if got := len(r.Messages()); got != 1 {
		t.Errorf("expected 1 entry, got %d", got)
	}
}

func TestReconcilerEncryption(t *testing.T) {
	key, err := NewGroupKey()
	if err != nil {
		t.Fatal(err)
	}

	sealed := func(text string) models.Message {
		ciphertext, iv, err := EncryptText(key, text)
		if err != nil {
			t.Fatal(err)
		}
		return models.Message{
			ID:         "m1",
			Sender:     testOther,
			Room:       "test-room",
			Ciphertext: ciphertext,
			IV:         iv,
			CreatedAt:  testBase,
		}
	}

	t.Run("DecryptsWithKey", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})
		r.SetGroupKey(key)

		r.Ingest(sealed("secret"), SourceHub)
		list := r.Messages()
		if list[0].Text != "secret" || list[0].Undecryptable {
			t.Errorf("expected decrypted text, got %+v", list[0])
		}
	})

	t.Run("PlaceholderWithoutKey", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(sealed("secret"), SourceHub)
		list := r.Messages()
		if len(list) != 1 {
			t.Fatal("undecryptable message must still be rendered")
		}
		if !list[0].Undecryptable || list[0].Text != "" {
			t.Errorf("expected placeholder, got %+v", list[0])
		}
	})

	t.Run("LateKeyRecoversPlaceholders", func(t *testing.T) {
		r := newTestReconciler(&fakeServer{}, &fakePeers{})

		r.Ingest(sealed("secret"), SourceHub)
		r.SetGroupKey(key)

		list := r.Messages()
		if list[0].Undecryptable || list[0].Text != "secret" {
			t.Errorf("expected recovered text, got %+v", list[0])
		}
	})

	t.Run("SubmitSealsWireCopies", func(t *testing.T) {
		server := &fakeServer{}
		peers := &fakePeers{accept: 1}
		r := newTestReconciler(server, peers)
		r.SetGroupKey(key)

		if _, err := r.Submit(context.Background(), "top secret", ""); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		req := server.sent[0]
		if req.Text != "" || req.Ciphertext == "" || req.IV == "" {
			t.Errorf("server copy must be sealed: %+v", req)
		}
		plain, err := DecryptText(key, req.Ciphertext, req.IV)
		if err != nil || plain != "top secret" {
			t.Errorf("server copy does not decrypt: %v", err)
		}

		payload, err := models.DecodeChannelPayload(peers.frames[0])
		if err != nil {
			t.Fatalf("direct frame malformed: %v", err)
		}
		if payload.Kind != models.ChannelPayloadChat || !payload.Message.Encrypted() {
			t.Error("direct copy must be a sealed chat payload")
		}

		// The local rendering stays plaintext.
		if got := r.Messages()[0].Text; got != "top secret" {
			t.Errorf("expected local plaintext, got %q", got)
		}
	})
}

func TestReconcilerTeardown(t *testing.T) {
	server := &fakeServer{history: []models.Message{
		historyMessage("m1", testOther, "hello", 0),
	}}
	r := newTestReconciler(server, &fakePeers{})
	if err := r.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.Teardown()
	if got := len(r.Messages()); got != 0 {
		t.Fatalf("expected empty list after teardown, got %d", got)
	}

	// A fresh visit accepts previously seen ids again.
	r.Ingest(historyMessage("m1", testOther, "hello", 0), SourceHub)
	if got := len(r.Messages()); got != 1 {
		t.Errorf("expected 1 entry after rejoining, got %d", got)
	}
}
