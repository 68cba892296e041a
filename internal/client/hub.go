package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"waves/internal/models"

	"github.com/gorilla/websocket"
)

// HubClient is the client end of the broadcast hub socket. It implements
// the Signaler interface for the direct-channel session: handshake blobs
// and key requests are relayed through the hub.
type HubClient struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	onEvent func(models.ServerEvent)

	writeMu sync.Mutex
}

// DialHub connects to the server's websocket endpoint. onEvent is invoked
// sequentially, in arrival order, for every hub event once Run is started.
func DialHub(ctx context.Context, wsURL, token string, logger *slog.Logger, onEvent func(models.ServerEvent)) (*HubClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set("token", token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing hub: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &HubClient{
		conn:    conn,
		logger:  logger,
		onEvent: onEvent,
	}, nil
}

// Run reads hub events until the connection drops or ctx is cancelled.
func (c *HubClient) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		var event models.ServerEvent
		if err := c.conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading hub event: %w", err)
		}
		c.onEvent(event)
	}
}

// Join subscribes this socket to a room's events.
func (c *HubClient) Join(room string) error {
	return c.send(models.ClientEvent{Event: models.EventJoin, Room: room})
}

// Leave unsubscribes this socket from a room.
func (c *HubClient) Leave(room string) error {
	return c.send(models.ClientEvent{Event: models.EventLeave, Room: room})
}

func (c *HubClient) SendOffer(to string, payload json.RawMessage) error {
	return c.send(models.ClientEvent{Event: models.EventOffer, To: to, Payload: payload})
}

func (c *HubClient) SendAnswer(to string, payload json.RawMessage) error {
	return c.send(models.ClientEvent{Event: models.EventAnswer, To: to, Payload: payload})
}

func (c *HubClient) SendCandidate(to string, payload json.RawMessage) error {
	return c.send(models.ClientEvent{Event: models.EventICECandidate, To: to, Payload: payload})
}

func (c *HubClient) ShareGroupKey(room, key string) error {
	return c.send(models.ClientEvent{Event: models.EventShareGroupKey, Room: room, Key: key})
}

func (c *HubClient) RequestGroupKey(room string) error {
	return c.send(models.ClientEvent{Event: models.EventRequestGroupKey, Room: room})
}

func (c *HubClient) send(event models.ClientEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(event)
}

// Close shuts the socket down.
func (c *HubClient) Close() error {
	return c.conn.Close()
}
