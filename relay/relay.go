// Package relay accepts changes from clients, persists them in a change log
// and rebroadcasts them to every other connected client. It also replays the
// log to clients catching up after being offline.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/denismitr/synceddb/changelog"
	"github.com/denismitr/synceddb/protocol"
	"github.com/denismitr/synceddb/transport"
	"github.com/pkg/errors"
)

var ErrSessionClosed = errors.New("session closed")
var ErrRelayClosed = errors.New("relay closed")

type Relay struct {
	id        string
	cl        changelog.ChangeLog
	logger    *slog.Logger
	queueSize int
	backlog   int
	stripes   keyStripes
	handlers  Handlers
	fanout    Fanout
	now       func() time.Time
	registry  *Registry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cl changelog.ChangeLog, cfg *Config) (*Relay, error) {
	if cl == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "change log is required")
	}

	if cfg == nil {
		cfg = &Config{}
	}

	r := &Relay{cl: cl}
	if err := cfg.applyTo(r); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Relay) ID() string {
	return r.id
}

// Sessions is the number of connected clients
func (r *Relay) Sessions() int {
	return r.registry.Len()
}

// Serve registers conn as a session and handles its messages until the
// connection fails, ctx is done or the relay is closed. The connection is
// closed on return.
func (r *Relay) Serve(ctx context.Context, conn transport.Conn) error {
	s := newSession(conn, r.queueSize, r.backlog, r.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrRelayClosed
	}
	r.wg.Add(1)
	r.registry.add(s)
	r.mu.Unlock()

	defer r.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	defer func() {
		r.registry.remove(s)
		s.close()
		s.logger.Debug("session closed")
	}()

	s.logger.Debug("session opened")

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}

			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Wrapf(ErrSessionClosed, "%s: %s", s.id, err.Error())
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Debug("dropping malformed message", slog.Any("error", err))
			continue
		}

		r.dispatch(ctx, s, msg)
	}
}

func (r *Relay) dispatch(ctx context.Context, s *Session, msg protocol.Message) {
	if c, ok := msg.(protocol.Change); ok {
		s.identify(c.Client())
	}

	x := &Exchange{relay: r, session: s}

	var err error
	handled := true

	switch m := msg.(type) {
	case protocol.Create:
		if handled = r.handlers.Create != nil; handled {
			err = r.handlers.Create(ctx, x, m)
		}
	case protocol.Update:
		if handled = r.handlers.Update != nil; handled {
			err = r.handlers.Update(ctx, x, m)
		}
	case protocol.Delete:
		if handled = r.handlers.Delete != nil; handled {
			err = r.handlers.Delete(ctx, x, m)
		}
	case protocol.Reset:
		if handled = r.handlers.Reset != nil; handled {
			err = r.handlers.Reset(ctx, x, m)
		}
	case protocol.GetChanges:
		if handled = r.handlers.GetChanges != nil; handled {
			err = r.handlers.GetChanges(ctx, x, m)
		}
	case protocol.OK, protocol.SendingChanges:
		handled = false
	}

	if !handled {
		s.logger.Debug("dropping unhandled message", slog.String("type", string(msg.Type())))
		return
	}

	if err != nil {
		s.logger.Error("message failed", slog.String("type", string(msg.Type())), slog.Any("error", err))
	}
}

// Deliver broadcasts a change accepted by a peer relay to every local session
// and returns how many sessions took it.
func (r *Relay) Deliver(c protocol.Change) int {
	b, err := protocol.Encode(c)
	if err != nil {
		r.logger.Error("could not encode peer change", slog.Any("error", err))
		return 0
	}

	unlock := r.stripes.lock(c.Store(), c.RecordKey())
	defer unlock()

	return r.registry.broadcast(b, nil)
}

func (r *Relay) broadcastUnderLock(ctx context.Context, c protocol.Change, except *Session) {
	b, err := protocol.Encode(c)
	if err != nil {
		r.logger.Error("could not encode change", slog.Any("error", err))
		return
	}

	n := r.registry.broadcast(b, except)
	r.logger.Debug("change broadcast",
		slog.String("type", string(c.Type())),
		slog.String("store", c.Store()),
		slog.String("key", c.RecordKey()),
		slog.Int64("version", c.RecordVersion()),
		slog.Int("sessions", n),
	)

	if r.fanout == nil {
		return
	}

	if err := r.fanout.Publish(ctx, r.id, c); err != nil {
		r.logger.Warn("could not publish change to peers",
			slog.String("store", c.Store()),
			slog.String("key", c.RecordKey()),
			slog.Any("error", err),
		)
	}
}

// Close drops every session and waits for their loops to finish.
// The change log is left open, it belongs to the caller.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.registry.mu.RLock()
	sessions := make([]*Session, 0, len(r.registry.sessions))
	for _, s := range r.registry.sessions {
		sessions = append(sessions, s)
	}
	r.registry.mu.RUnlock()

	for _, s := range sessions {
		s.close()
	}

	r.wg.Wait()
	return nil
}
