package ws

import (
	"context"
	"errors"
	"sync"

	"waves/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type eventHub interface {
	Register(socketID, userID string) chan models.ServerEvent
	Unregister(socketID string)
	Join(socketID, room string)
	Leave(socketID, room string)
	Relay(fromSocketID string, event models.ClientEvent)
	ShareGroupKey(fromSocketID, room, key string)
	RequestGroupKey(fromSocketID, room string)
}

type Connection struct {
	ws         wsConnection
	hub        eventHub
	socketID   string
	userID     string
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub eventHub,
	ws wsConnection,
	socketID string,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		socketID:   socketID,
		userID:     userID,
		fromClient: make(chan models.ClientEvent),
		fromServer: hub.Register(socketID, userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Unregister(c.socketID)
	}()

	// The client learns its own socket id from the first frame.
	if err := c.ws.WriteJSON(models.ServerEvent{
		Event:    models.EventConnected,
		SocketID: c.socketID,
	}); err != nil {
		c.ws.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var event models.ClientEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			return err
		}
		select {
		case c.fromClient <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case event := <-c.fromClient:
			c.processClientEvent(event)
		case event, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(event models.ClientEvent) {
	switch event.Event {
	case models.EventJoin:
		c.hub.Join(c.socketID, event.Room)
	case models.EventLeave:
		c.hub.Leave(c.socketID, event.Room)
	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		c.hub.Relay(c.socketID, event)
	case models.EventShareGroupKey:
		c.hub.ShareGroupKey(c.socketID, event.Room, event.Key)
	case models.EventRequestGroupKey:
		c.hub.RequestGroupKey(c.socketID, event.Room)
	}
}
