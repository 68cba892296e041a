package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"waves/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

// Source identifies which delivery path a message arrived on.
type Source int

const (
	SourceDirect Source = iota
	SourceHub
)

func (s Source) String() string {
	if s == SourceDirect {
		return "direct"
	}
	return "hub"
}

// ErrThrottled is returned by Submit when sends are attempted faster than
// the minimum interval. It is a validation failure: neither delivery path
// is attempted.
var ErrThrottled = errors.New("sending messages too fast")

// Server is the subset of the chat server API the reconciler needs.
type Server interface {
	FetchHistory(ctx context.Context, room string, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, room string, req models.SendRequest) (*models.Message, error)
}

// ChannelSender fans one frame out to all open direct channels and reports
// how many peers accepted it.
type ChannelSender interface {
	SendToPeers(payload []byte) int
}

// Entry is one rendered message. Provisional entries are local optimistic
// sends awaiting server confirmation. Undecryptable entries are displayed
// as placeholders rather than dropped.
type Entry struct {
	models.Message
	Provisional   bool
	Undecryptable bool
}

// Reconciler merges messages arriving over the direct and hub paths into a
// single deduplicated, creation-time-ordered list. Every identifier a
// message has ever carried, temporary or permanent, goes into the seen set;
// that set is the sole dedup boundary between the racing delivery paths.
type Reconciler struct {
	room         string
	self         models.Sender
	server       Server
	peers        ChannelSender
	historyLimit int
	minInterval  time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	onChange     func()

	mu       sync.Mutex
	seen     geche.Geche[string, struct{}]
	list     []*Entry
	key      string
	lastSend time.Time
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Room            string
	Self            models.Sender
	Server          Server
	Peers           ChannelSender
	HistoryLimit    int
	MinSendInterval time.Duration
	Logger          *slog.Logger
	// OnChange is invoked after every change to the rendered list, outside
	// the reconciler lock. Optional.
	OnChange func()
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func() {}
	}

	return &Reconciler{
		room:         cfg.Room,
		self:         cfg.Self,
		server:       cfg.Server,
		peers:        cfg.Peers,
		historyLimit: cfg.HistoryLimit,
		minInterval:  cfg.MinSendInterval,
		logger:       cfg.Logger,
		now:          time.Now,
		newID:        uuid.NewString,
		onChange:     cfg.OnChange,
		seen:         geche.NewMapCache[string, struct{}](),
	}
}

// Seed fetches the room history from the server and initializes the
// rendered list, marking every returned permanent id seen.
func (r *Reconciler) Seed(ctx context.Context) error {
	history, err := r.server.FetchHistory(ctx, r.room, r.historyLimit)
	if err != nil {
		return fmt.Errorf("fetching history for %s: %w", r.room, err)
	}

	r.mu.Lock()
	r.seen = geche.NewMapCache[string, struct{}]()
	r.list = r.list[:0]
	for i := range history {
		e := r.entryFrom(history[i])
		r.seen.Set(history[i].ID, struct{}{})
		r.insertOrdered(e)
	}
	r.mu.Unlock()

	r.onChange()
	return nil
}

// Submit sends a message over both delivery paths. The provisional entry is
// rendered immediately; the submission fails, and the entry is reverted,
// only when no direct channel accepted the frame AND the server request
// errored. It returns the temporary identifier assigned to the message.
func (r *Reconciler) Submit(ctx context.Context, text, replyTo string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty content", models.ErrInvalidMessage)
	}
	if len(text) > models.MaxMessageLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", models.ErrInvalidMessage, models.MaxMessageLength)
	}

	r.mu.Lock()
	if r.minInterval > 0 && r.now().Sub(r.lastSend) < r.minInterval {
		r.mu.Unlock()
		return "", ErrThrottled
	}

	var replyRef *models.ReplyRef
	if replyTo != "" {
		target := r.findByIDLocked(replyTo)
		if target == nil {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: reply target %s is not in this room", models.ErrInvalidMessage, replyTo)
		}
		replyRef = &models.ReplyRef{
			ID:         target.ID,
			Sender:     target.Sender,
			Text:       target.Text,
			Ciphertext: target.Ciphertext,
			IV:         target.IV,
		}
	}

	tempID := r.newID()
	now := r.now()
	r.lastSend = now
	key := r.key

	// The local copy stays plaintext; only the wire copies are sealed.
	local := &Entry{
		Message: models.Message{
			TempID:    tempID,
			Sender:    r.self,
			Room:      r.room,
			Text:      text,
			ReplyTo:   replyRef,
			CreatedAt: now,
		},
		Provisional: true,
	}
	r.seen.Set(tempID, struct{}{})
	r.list = append(r.list, local)
	r.mu.Unlock()

	r.onChange()

	wire := local.Message
	if key != "" {
		ciphertext, iv, err := EncryptText(key, text)
		if err != nil {
			r.revertProvisional(tempID)
			return "", fmt.Errorf("encrypting message: %w", err)
		}
		wire.Text = ""
		wire.Ciphertext = ciphertext
		wire.IV = iv
	}

	p2pSent := false
	if r.peers != nil {
		if payload, err := models.EncodeChatPayload(&wire); err == nil {
			p2pSent = r.peers.SendToPeers(payload) > 0
		}
	}

	saved, err := r.server.SendMessage(ctx, r.room, models.SendRequest{
		Text:       wire.Text,
		Ciphertext: wire.Ciphertext,
		IV:         wire.IV,
		ReplyTo:    replyTo,
		TempID:     tempID,
		P2PSent:    p2pSent,
	})
	if err != nil {
		if !p2pSent {
			r.revertProvisional(tempID)
			return "", fmt.Errorf("message delivery failed on both paths: %w", err)
		}
		// Direct delivery carried it; the message is just not persisted.
		r.logger.Warn("server persistence failed, delivered peer-to-peer only",
			"room", r.room, "tempId", tempID, "error", err)
		return tempID, nil
	}

	r.confirm(tempID, saved)
	return tempID, nil
}

// confirm applies the server's send response. The hub echo may already have
// promoted the provisional entry; in that case the permanent id is seen and
// there is nothing left to do.
func (r *Reconciler) confirm(tempID string, saved *models.Message) {
	r.mu.Lock()
	if _, err := r.seen.Get(saved.ID); err == nil {
		r.mu.Unlock()
		return
	}
	r.seen.Set(saved.ID, struct{}{})

	if i := r.indexOfTempLocked(tempID); i >= 0 {
		e := r.entryFrom(*saved)
		e.TempID = tempID
		r.preserveLocal(r.list[i], e)
		r.list[i] = e
	}
	r.mu.Unlock()

	r.onChange()
}

func (r *Reconciler) revertProvisional(tempID string) {
	r.mu.Lock()
	if i := r.indexOfTempLocked(tempID); i >= 0 {
		r.list = append(r.list[:i], r.list[i+1:]...)
	}
	_ = r.seen.Del(tempID)
	r.mu.Unlock()

	r.onChange()
}

// Ingest merges one inbound message from either delivery path. Both paths,
// plus the sender's own optimistic copy, may deliver the same message; the
// rendered list ends up with exactly one entry per message regardless of
// arrival order.
func (r *Reconciler) Ingest(msg models.Message, source Source) {
	r.mu.Lock()

	if msg.ID != "" {
		if _, err := r.seen.Get(msg.ID); err == nil {
			r.mu.Unlock()
			return
		}
		r.seen.Set(msg.ID, struct{}{})
	}

	e := r.entryFrom(msg)

	if msg.TempID != "" {
		if i := r.indexOfTempLocked(msg.TempID); i >= 0 {
			if e.ID == "" {
				// A direct-path copy racing behind the hub copy carries
				// no permanent id; the rendered entry is already the
				// richer one.
				r.mu.Unlock()
				return
			}
			// The message is already rendered under its temporary id,
			// either as our own optimistic copy or as a peer's
			// direct-path copy. Upgrade it in place, keeping its
			// position in the list.
			r.preserveLocal(r.list[i], e)
			r.list[i] = e
			r.mu.Unlock()
			r.onChange()
			return
		}
		if _, err := r.seen.Get(msg.TempID); err == nil {
			r.mu.Unlock()
			return
		}
		r.seen.Set(msg.TempID, struct{}{})
	}

	r.insertOrdered(e)
	r.mu.Unlock()

	r.onChange()
}

// IngestReactionUpdate replaces the identified message's reaction set with
// the server's authoritative set. The set is applied verbatim, never merged
// incrementally, so concurrent reactions from other users cannot diverge.
func (r *Reconciler) IngestReactionUpdate(messageID string, reactions []models.Reaction) {
	r.mu.Lock()
	e := r.findByIDLocked(messageID)
	if e == nil {
		// The message expired or was never rendered here.
		r.mu.Unlock()
		return
	}
	e.Reactions = reactions
	r.mu.Unlock()

	r.onChange()
}

// SetGroupKey installs the room key and retries decryption of any entries
// that arrived before the key did.
func (r *Reconciler) SetGroupKey(key string) {
	r.mu.Lock()
	r.key = key
	for _, e := range r.list {
		if !e.Undecryptable || !e.Encrypted() {
			continue
		}
		text, err := DecryptText(key, e.Ciphertext, e.IV)
		if err != nil {
			continue
		}
		e.Text = text
		e.Undecryptable = false
	}
	r.mu.Unlock()

	r.onChange()
}

// Teardown clears the seen set and the rendered list on room exit. The
// room's group key stays persisted for the next visit.
func (r *Reconciler) Teardown() {
	r.mu.Lock()
	r.seen = geche.NewMapCache[string, struct{}]()
	r.list = nil
	r.mu.Unlock()

	r.onChange()
}

// Messages snapshots the rendered list in creation-time order.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.list))
	for i, e := range r.list {
		out[i] = *e
	}
	return out
}

// entryFrom decrypts the message content when the room key allows it. A
// missing key or failed decryption yields a placeholder entry, never a
// dropped message.
func (r *Reconciler) entryFrom(msg models.Message) *Entry {
	e := &Entry{Message: msg}
	if !msg.Encrypted() {
		return e
	}

	if r.key == "" {
		e.Undecryptable = true
		return e
	}

	text, err := DecryptText(r.key, msg.Ciphertext, msg.IV)
	if err != nil {
		r.logger.Warn("failed to decrypt message", "room", r.room, "id", msg.ID, "error", err)
		e.Undecryptable = true
		return e
	}

	e.Text = text
	return e
}

// preserveLocal keeps what the rendered entry knows and the replacement
// copy lacks: the plaintext (the sender of an optimistic entry always knows
// what it wrote) and the resolved reply reference.
func (r *Reconciler) preserveLocal(old, incoming *Entry) {
	if incoming.Undecryptable && old.Text != "" {
		incoming.Text = old.Text
		incoming.Undecryptable = false
	}
	if incoming.ReplyTo == nil && old.ReplyTo != nil {
		incoming.ReplyTo = old.ReplyTo
	}
}

// insertOrdered places the entry by creation time. Almost every message
// belongs at the end; the backward scan only runs on out-of-order delivery.
func (r *Reconciler) insertOrdered(e *Entry) {
	i := len(r.list)
	for i > 0 && r.list[i-1].CreatedAt.After(e.CreatedAt) {
		i--
	}
	r.list = append(r.list, nil)
	copy(r.list[i+1:], r.list[i:])
	r.list[i] = e
}

func (r *Reconciler) indexOfTempLocked(tempID string) int {
	for i, e := range r.list {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) findByIDLocked(id string) *Entry {
	for _, e := range r.list {
		if e.ID == id {
			return e
		}
	}
	return nil
}
