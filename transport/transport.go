// Package transport is the message-oriented connection both the relay and the sync client talk through.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("connection closed")

// Conn carries whole frames. Framing and encoding of the frames on the wire
// belong to the implementation. Read is called from a single goroutine,
// Write must be safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

const pipeBuffer = 128

type pipe struct {
	once sync.Once
	done chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeConn struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	p := &pipe{done: make(chan struct{})}
	a2b := make(chan []byte, pipeBuffer)
	b2a := make(chan []byte, pipeBuffer)

	return &pipeConn{p: p, in: b2a, out: a2b}, &pipeConn{p: p, in: a2b, out: b2a}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.p.done:
		return nil, ErrClosed
	default:
	}

	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case <-c.p.done:
		return ErrClosed
	default:
	}

	select {
	case c.out <- cp:
		return nil
	case <-c.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.p.close()
	return nil
}
