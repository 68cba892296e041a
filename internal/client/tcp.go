package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout   = 5 * time.Second
	transportName = "tcp-direct"
)

// TCPTransport negotiates direct channels over plain TCP on the local
// network. The offer carries the initiator's listen address; the answering
// side dials it and identifies itself with a hello frame, which completes
// the handshake on both ends. Candidate events are not used: a TCP
// endpoint is a single address, already carried in the offer.
type TCPTransport struct {
	selfID    string
	advertise string
	logger    *slog.Logger

	listener   net.Listener
	opened     chan OpenedChannel
	candidates chan CandidateEvent

	mu      sync.Mutex
	pending map[string]bool
	conns   map[string]*tcpChannel
	closed  bool
}

type tcpOffer struct {
	SocketID string `json:"sid"`
	Addr     string `json:"addr"`
}

type tcpAnswer struct {
	SocketID string `json:"sid"`
}

type tcpHello struct {
	SocketID string `json:"sid"`
}

// NewTCPTransport starts listening for peer dial-backs. advertiseHost is
// the address peers reach us at; it defaults to the loopback interface.
func NewTCPTransport(selfID, advertiseHost string, logger *slog.Logger) (*TCPTransport, error) {
	if advertiseHost == "" {
		advertiseHost = "127.0.0.1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("starting %s listener: %w", transportName, err)
	}

	t := &TCPTransport{
		selfID:     selfID,
		advertise:  advertiseHost,
		logger:     logger,
		listener:   listener,
		opened:     make(chan OpenedChannel, 16),
		candidates: make(chan CandidateEvent),
		pending:    make(map[string]bool),
		conns:      make(map[string]*tcpChannel),
	}

	go t.acceptLoop()

	return t, nil
}

// Addr returns the address peers should dial, in host:port form.
func (t *TCPTransport) Addr() string {
	port := t.listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(t.advertise, fmt.Sprintf("%d", port))
}

func (t *TCPTransport) CreateOffer(_ context.Context, peerID string) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s transport is closed", transportName)
	}
	t.pending[peerID] = true
	t.mu.Unlock()

	return json.Marshal(tcpOffer{SocketID: t.selfID, Addr: t.Addr()})
}

func (t *TCPTransport) HandleOffer(ctx context.Context, peerID string, offer json.RawMessage) (json.RawMessage, error) {
	var o tcpOffer
	if err := json.Unmarshal(offer, &o); err != nil {
		return nil, fmt.Errorf("malformed offer from %s: %w", peerID, err)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", o.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing peer %s at %s: %w", peerID, o.Addr, err)
	}

	hello, err := json.Marshal(tcpHello{SocketID: t.selfID})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(append(hello, '\n')); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending hello to peer %s: %w", peerID, err)
	}

	ch := t.register(peerID, conn, nil)
	if ch == nil {
		return nil, fmt.Errorf("%s transport is closed", transportName)
	}
	t.opened <- OpenedChannel{PeerID: peerID, Channel: ch}

	return json.Marshal(tcpAnswer{SocketID: t.selfID})
}

// HandleAnswer only confirms the attempt exists. The channel itself opens
// when the answering peer's dial-back is accepted.
func (t *TCPTransport) HandleAnswer(peerID string, answer json.RawMessage) error {
	var a tcpAnswer
	if err := json.Unmarshal(answer, &a); err != nil {
		return fmt.Errorf("malformed answer from %s: %w", peerID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending[peerID] {
		return fmt.Errorf("no pending attempt for peer %s", peerID)
	}
	return nil
}

// AddCandidate is a no-op for TCP.
func (t *TCPTransport) AddCandidate(string, json.RawMessage) error {
	return nil
}

func (t *TCPTransport) Opened() <-chan OpenedChannel {
	return t.opened
}

func (t *TCPTransport) Candidates() <-chan CandidateEvent {
	return t.candidates
}

// Abort tears down a pending or established attempt toward a peer.
func (t *TCPTransport) Abort(peerID string) {
	t.mu.Lock()
	delete(t.pending, peerID)
	ch := t.conns[peerID]
	delete(t.conns, peerID)
	t.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}

// Close stops the listener and every channel.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpChannel, 0, len(t.conns))
	for _, ch := range t.conns {
		conns = append(conns, ch)
	}
	t.conns = map[string]*tcpChannel{}
	t.pending = map[string]bool{}
	t.mu.Unlock()

	for _, ch := range conns {
		_ = ch.Close()
	}
	return t.listener.Close()
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

// handleInbound completes the offerer side of a handshake: the first frame
// on an accepted connection is the peer's hello. The reader is handed on to
// the channel afterwards: frames the peer coalesced into the same segment as
// the hello are sitting in its buffer.
func (t *TCPTransport) handleInbound(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.logger.Warn("dropping inbound connection without hello", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello tcpHello
	if err := json.Unmarshal(line, &hello); err != nil || hello.SocketID == "" {
		t.logger.Warn("dropping inbound connection with malformed hello", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	t.mu.Lock()
	expected := t.pending[hello.SocketID]
	delete(t.pending, hello.SocketID)
	t.mu.Unlock()

	if !expected {
		t.logger.Warn("dropping unsolicited dial-back", "peer", hello.SocketID, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	ch := t.register(hello.SocketID, conn, reader)
	if ch == nil {
		return
	}
	t.opened <- OpenedChannel{PeerID: hello.SocketID, Channel: ch}
}

func (t *TCPTransport) register(peerID string, conn net.Conn, reader *bufio.Reader) *tcpChannel {
	ch := newTCPChannel(conn, reader)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	if old := t.conns[peerID]; old != nil {
		_ = old.Close()
	}
	t.conns[peerID] = ch
	t.mu.Unlock()

	return ch
}

// tcpChannel frames data as newline-delimited JSON over one connection.
type tcpChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	recv   chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// newTCPChannel takes over the connection. A non-nil reader is reused so
// bytes it already buffered are not lost.
func newTCPChannel(conn net.Conn, reader *bufio.Reader) *tcpChannel {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	ch := &tcpChannel{
		conn:   conn,
		reader: reader,
		recv:   make(chan []byte, 16),
	}
	go ch.readLoop()
	return ch
}

func (ch *tcpChannel) readLoop() {
	defer close(ch.recv)

	for {
		line, err := ch.reader.ReadBytes('\n')
		if err != nil {
			return
		}
		ch.recv <- line
	}
}

func (ch *tcpChannel) Send(data []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	_, err := ch.conn.Write(append(data, '\n'))
	return err
}

func (ch *tcpChannel) Recv() <-chan []byte {
	return ch.recv
}

func (ch *tcpChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		err = ch.conn.Close()
	})
	return err
}
