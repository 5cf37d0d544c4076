package ws

import (
	"context"
	"errors"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type Connection struct {
	ws         wsConnection
	userID     string
	fromServer chan Event
	errorCh    chan error
}

func NewConnection(ws wsConnection, userID string) *Connection {
	return &Connection{
		ws:         ws,
		userID:     userID,
		fromServer: make(chan Event, 100),
		errorCh:    make(chan error, 2),
	}
}

// Send queues an event for delivery. A connection with a full queue
// drops the event rather than blocking the sender.
func (c *Connection) Send(ev Event) {
	select {
	case c.fromServer <- ev:
	default:
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(c.errorCh)

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.readLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		// The gateway only delivers; client messages are keepalives.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
