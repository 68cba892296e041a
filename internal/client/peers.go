package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"waves/internal/models"
)

// PeerState is the lifecycle of one direct channel to one peer.
//
// signaling -> connecting -> open -> closed
//          \-> failed (handshake timeout or transport error)
type PeerState int

const (
	StateSignaling PeerState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s PeerState) String() string {
	switch s {
	case StateSignaling:
		return "signaling"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DataChannel is an established bidirectional channel to one peer.
// Recv is closed when the peer side goes away or after Close.
type DataChannel interface {
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

// OpenedChannel announces a handshake that completed.
type OpenedChannel struct {
	PeerID  string
	Channel DataChannel
}

// CandidateEvent is a locally gathered connection candidate to be relayed
// to the peer through the hub.
type CandidateEvent struct {
	PeerID  string
	Payload json.RawMessage
}

// Transport negotiates and carries direct channels. The payload blobs are
// opaque to the session: it only moves them between the transport and the
// hub relay.
type Transport interface {
	// CreateOffer starts an outbound connection attempt and returns the
	// offer blob to relay to the peer.
	CreateOffer(ctx context.Context, peerID string) (json.RawMessage, error)
	// HandleOffer accepts a relayed offer and returns the answer blob.
	HandleOffer(ctx context.Context, peerID string, offer json.RawMessage) (json.RawMessage, error)
	// HandleAnswer completes an attempt started with CreateOffer.
	HandleAnswer(peerID string, answer json.RawMessage) error
	// AddCandidate feeds a relayed candidate into a pending attempt.
	AddCandidate(peerID string, candidate json.RawMessage) error
	// Opened yields channels whose handshake completed, on either side.
	Opened() <-chan OpenedChannel
	// Candidates yields locally gathered candidates to relay out.
	Candidates() <-chan CandidateEvent
	// Abort tears down a pending or established attempt.
	Abort(peerID string)
}

// Signaler relays handshake blobs and key-exchange requests through the
// broadcast hub.
type Signaler interface {
	SendOffer(to string, payload json.RawMessage) error
	SendAnswer(to string, payload json.RawMessage) error
	SendCandidate(to string, payload json.RawMessage) error
	ShareGroupKey(room, key string) error
	RequestGroupKey(room string) error
}

// Sink receives inbound direct-channel traffic and bootstrapped keys.
// The reconciler implements it.
type Sink interface {
	Ingest(msg models.Message, source Source)
	SetGroupKey(key string)
}

type peer struct {
	id      string
	state   PeerState
	channel DataChannel
	timer   *time.Timer
}

// Session owns every direct channel of one room visit. All peer state lives
// here, keyed by peer socket id, and is torn down as a unit on Close. Losing
// a single channel never affects messaging: sends to that peer simply fall
// back to the server path.
type Session struct {
	room      string
	transport Transport
	signaler  Signaler
	keys      *KeyStore
	sink      Sink

	handshakeTimeout time.Duration
	keyWaitGrace     time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	key      string
	keyTimer *time.Timer
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Room             string
	Transport        Transport
	Signaler         Signaler
	Keys             *KeyStore
	Sink             Sink
	HandshakeTimeout time.Duration
	KeyWaitGrace     time.Duration
	Logger           *slog.Logger
}

// NewSession creates the session and loads the room's persisted key if one
// exists from an earlier visit.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.KeyWaitGrace <= 0 {
		cfg.KeyWaitGrace = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		room:             cfg.Room,
		transport:        cfg.Transport,
		signaler:         cfg.Signaler,
		keys:             cfg.Keys,
		sink:             cfg.Sink,
		handshakeTimeout: cfg.HandshakeTimeout,
		keyWaitGrace:     cfg.KeyWaitGrace,
		logger:           cfg.Logger,
		peers:            make(map[string]*peer),
	}

	if cfg.Keys != nil {
		if key, ok := cfg.Keys.Get(cfg.Room); ok {
			s.key = key
		}
	}

	return s
}

// Start runs the transport event loop until ctx is cancelled or Close is
// called. A key persisted from an earlier room visit is handed to the sink
// immediately.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key != "" {
		s.sink.SetGroupKey(key)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case oc, ok := <-s.transport.Opened():
			if !ok {
				return
			}
			s.channelOpened(oc)
		case cand, ok := <-s.transport.Candidates():
			if !ok {
				return
			}
			if err := s.signaler.SendCandidate(cand.PeerID, cand.Payload); err != nil {
				s.logger.Warn("failed to relay candidate", "peer", cand.PeerID, "error", err)
			}
		}
	}
}

// HandleExistingUsers initiates a connection attempt toward every peer that
// was already in the room when we joined. A joiner with no peers and no
// stored key is first in the room and mints the room key itself.
func (s *Session) HandleExistingUsers(ctx context.Context, peerIDs []string) {
	s.mu.Lock()
	needKey := s.key == "" && !s.closed
	s.mu.Unlock()

	if needKey && len(peerIDs) == 0 {
		key, err := NewGroupKey()
		if err != nil {
			s.logger.Error("failed to generate group key", "room", s.room, "error", err)
		} else {
			s.acceptKey(key)
		}
	}

	for _, id := range peerIDs {
		s.connectTo(ctx, id)
	}
}

func (s *Session) connectTo(ctx context.Context, peerID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.peers[peerID]; exists {
		s.mu.Unlock()
		return
	}
	p := &peer{id: peerID, state: StateSignaling}
	p.timer = time.AfterFunc(s.handshakeTimeout, func() { s.handshakeExpired(peerID) })
	s.peers[peerID] = p
	s.mu.Unlock()

	offer, err := s.transport.CreateOffer(ctx, peerID)
	if err != nil {
		s.logger.Warn("failed to create offer", "peer", peerID, "error", err)
		s.failPeer(peerID)
		return
	}
	if err := s.signaler.SendOffer(peerID, offer); err != nil {
		s.logger.Warn("failed to relay offer", "peer", peerID, "error", err)
		s.failPeer(peerID)
	}
}

// HandleOffer answers an inbound connection attempt.
func (s *Session) HandleOffer(ctx context.Context, from string, payload json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p, exists := s.peers[from]
	if !exists {
		p = &peer{id: from, state: StateSignaling}
		p.timer = time.AfterFunc(s.handshakeTimeout, func() { s.handshakeExpired(from) })
		s.peers[from] = p
	}
	p.state = StateConnecting
	s.mu.Unlock()

	answer, err := s.transport.HandleOffer(ctx, from, payload)
	if err != nil {
		s.logger.Warn("failed to handle offer", "peer", from, "error", err)
		s.failPeer(from)
		return
	}
	if err := s.signaler.SendAnswer(from, answer); err != nil {
		s.logger.Warn("failed to relay answer", "peer", from, "error", err)
		s.failPeer(from)
	}
}

// HandleAnswer completes an attempt we initiated.
func (s *Session) HandleAnswer(from string, payload json.RawMessage) {
	s.mu.Lock()
	p, exists := s.peers[from]
	if !exists || p.state != StateSignaling {
		s.mu.Unlock()
		s.logger.Warn("unexpected answer", "peer", from)
		return
	}
	p.state = StateConnecting
	s.mu.Unlock()

	if err := s.transport.HandleAnswer(from, payload); err != nil {
		s.logger.Warn("failed to apply answer", "peer", from, "error", err)
		s.failPeer(from)
	}
}

// HandleCandidate feeds a relayed candidate into the matching attempt.
func (s *Session) HandleCandidate(from string, payload json.RawMessage) {
	s.mu.Lock()
	_, exists := s.peers[from]
	s.mu.Unlock()
	if !exists {
		return
	}

	if err := s.transport.AddCandidate(from, payload); err != nil {
		s.logger.Warn("failed to apply candidate", "peer", from, "error", err)
	}
}

// HandleUserLeft drops the peer's channel. Messages to that user keep
// flowing through the server.
func (s *Session) HandleUserLeft(peerID string) {
	s.removePeer(peerID, StateClosed)
}

// HandleKeyShared accepts a group key bootstrapped through the hub.
func (s *Session) HandleKeyShared(key string) {
	s.acceptKey(key)
}

// HandleKeyRequest answers another member's key request through the hub.
func (s *Session) HandleKeyRequest() {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	if key == "" {
		return
	}
	if err := s.signaler.ShareGroupKey(s.room, key); err != nil {
		s.logger.Warn("failed to share group key", "room", s.room, "error", err)
	}
}

func (s *Session) channelOpened(oc OpenedChannel) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = oc.Channel.Close()
		return
	}
	p, exists := s.peers[oc.PeerID]
	if !exists {
		p = &peer{id: oc.PeerID}
		s.peers[oc.PeerID] = p
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = StateOpen
	p.channel = oc.Channel
	key := s.key
	waiting := key == "" && s.keyTimer == nil
	if waiting {
		// No key yet: give a connected peer a moment to push one before
		// falling back to the hub.
		s.keyTimer = time.AfterFunc(s.keyWaitGrace, s.keyWaitExpired)
	}
	s.mu.Unlock()

	s.logger.Info("direct channel open", "peer", oc.PeerID, "room", s.room)

	if key != "" {
		payload, err := models.EncodeKeyPayload(key)
		if err == nil {
			if err := oc.Channel.Send(payload); err != nil {
				s.logger.Warn("failed to push group key", "peer", oc.PeerID, "error", err)
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPeer(oc.PeerID, oc.Channel)
	}()
}

func (s *Session) readPeer(peerID string, ch DataChannel) {
	for data := range ch.Recv() {
		payload, err := models.DecodeChannelPayload(data)
		if err != nil {
			s.logger.Warn("dropping malformed channel payload", "peer", peerID, "error", err)
			continue
		}

		switch payload.Kind {
		case models.ChannelPayloadChat:
			s.sink.Ingest(*payload.Message, SourceDirect)
		case models.ChannelPayloadKey:
			s.acceptKey(payload.Key)
		}
	}

	s.removePeer(peerID, StateClosed)
}

func (s *Session) keyWaitExpired() {
	s.mu.Lock()
	s.keyTimer = nil
	missing := s.key == "" && !s.closed
	s.mu.Unlock()

	if !missing {
		return
	}
	if err := s.signaler.RequestGroupKey(s.room); err != nil {
		s.logger.Warn("failed to request group key", "room", s.room, "error", err)
	}
}

func (s *Session) acceptKey(key string) {
	s.mu.Lock()
	if s.closed || key == "" || s.key == key {
		s.mu.Unlock()
		return
	}
	s.key = key
	if s.keyTimer != nil {
		s.keyTimer.Stop()
		s.keyTimer = nil
	}
	s.mu.Unlock()

	if s.keys != nil {
		if err := s.keys.Set(s.room, key); err != nil {
			s.logger.Warn("failed to persist group key", "room", s.room, "error", err)
		}
	}
	s.sink.SetGroupKey(key)
}

func (s *Session) handshakeExpired(peerID string) {
	s.mu.Lock()
	p, exists := s.peers[peerID]
	pending := exists && p.state != StateOpen
	s.mu.Unlock()

	if !pending {
		return
	}
	s.logger.Warn("handshake timed out", "peer", peerID, "room", s.room)
	s.failPeer(peerID)
}

func (s *Session) failPeer(peerID string) {
	s.transport.Abort(peerID)
	s.removePeer(peerID, StateFailed)
}

func (s *Session) removePeer(peerID string, terminal PeerState) {
	s.mu.Lock()
	p, exists := s.peers[peerID]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peerID)
	s.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.state = terminal
}

// SendToPeers delivers a frame on every open channel and reports how many
// sends succeeded. A failed send drops that peer's channel.
func (s *Session) SendToPeers(payload []byte) int {
	s.mu.Lock()
	open := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.state == StateOpen && p.channel != nil {
			open = append(open, p)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, p := range open {
		if err := p.channel.Send(payload); err != nil {
			s.logger.Warn("direct send failed", "peer", p.id, "error", err)
			s.removePeer(p.id, StateFailed)
			continue
		}
		sent++
	}

	return sent
}

// PeerStates snapshots the state machine of every known peer.
func (s *Session) PeerStates() map[string]PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]PeerState, len(s.peers))
	for id, p := range s.peers {
		states[id] = p.state
	}
	return states
}

// GroupKey returns the currently held room key, empty when none.
func (s *Session) GroupKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Close tears down every peer channel and stops the event loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]string, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	if s.keyTimer != nil {
		s.keyTimer.Stop()
		s.keyTimer = nil
	}
	s.mu.Unlock()

	for _, id := range peers {
		s.transport.Abort(id)
		s.removePeer(id, StateClosed)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
