// Package ws carries protocol frames over websocket text messages.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/denismitr/synceddb/transport"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const closeGracePeriod = time.Second

var _ transport.Conn = (*Conn)(nil)

// Conn adapts a websocket connection to transport.Conn.
// gorilla allows one concurrent writer, so writes are serialized here.
type Conn struct {
	ws *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}

	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				// unblocks ReadMessage, the connection is unusable afterwards
				_ = c.ws.SetReadDeadline(time.Now())
			case <-stop:
			}
		}()
	}

	for {
		typ, frame, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(transport.ErrClosed, err.Error())
		}

		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

func (c *Conn) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(transport.ErrClosed, err.Error())
	}

	return nil
}

// Close says goodbye with a close frame and closes the socket
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		c.wmu.Unlock()

		c.closeErr = c.ws.Close()
	})

	return c.closeErr
}
