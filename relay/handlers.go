package relay

import (
	"context"
	"log/slog"

	"github.com/denismitr/synceddb/changelog"
	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
)

// Handlers has one handler per message a client may send. A nil handler
// drops the message. The set is fixed when the relay is created.
type Handlers struct {
	Create     func(ctx context.Context, x *Exchange, m protocol.Create) error
	Update     func(ctx context.Context, x *Exchange, m protocol.Update) error
	Delete     func(ctx context.Context, x *Exchange, m protocol.Delete) error
	Reset      func(ctx context.Context, x *Exchange, m protocol.Reset) error
	GetChanges func(ctx context.Context, x *Exchange, m protocol.GetChanges) error
}

// DefaultHandlers persist, acknowledge and broadcast changes, replay history
// on get-changes and wipe it on reset.
func DefaultHandlers() Handlers {
	return Handlers{
		Create: func(ctx context.Context, x *Exchange, m protocol.Create) error {
			m.Key = m.RecordKey()
			m.Version = 0
			m.Timestamp = x.Now()
			_, err := x.Accept(ctx, m)
			return err
		},
		Update: func(ctx context.Context, x *Exchange, m protocol.Update) error {
			m.Version++
			m.Timestamp = x.Now()
			_, err := x.Accept(ctx, m)
			return err
		},
		Delete: func(ctx context.Context, x *Exchange, m protocol.Delete) error {
			m.Version++
			m.Timestamp = x.Now()
			_, err := x.Accept(ctx, m)
			return err
		},
		Reset: func(ctx context.Context, x *Exchange, m protocol.Reset) error {
			if err := x.ChangeLog().ResetChanges(ctx); err != nil {
				return err
			}
			return x.Reply(ctx, protocol.Reset{})
		},
		GetChanges: func(ctx context.Context, x *Exchange, m protocol.GetChanges) error {
			return x.Replay(ctx, func() error {
				entries, err := x.ChangeLog().GetChanges(ctx, m)
				if err != nil {
					return err
				}

				if err := x.Reply(ctx, protocol.SendingChanges{NrOfRecordsToSync: len(entries)}); err != nil {
					return err
				}

				for _, ent := range entries {
					if err := x.Reply(ctx, ent.Change); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}
}

// Exchange is what a handler sees of the relay while it handles one message
type Exchange struct {
	relay   *Relay
	session *Session
}

func (x *Exchange) Session() *Session {
	return x.session
}

func (x *Exchange) ChangeLog() changelog.ChangeLog {
	return x.relay.cl
}

// Now is the server timestamp in unix milliseconds
func (x *Exchange) Now() int64 {
	return x.relay.now().UnixMilli()
}

// Reply queues m for the session the message came from
func (x *Exchange) Reply(ctx context.Context, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	if err := x.session.send(ctx, b); err != nil {
		return errors.Wrapf(err, "could not reply %s", m.Type())
	}

	return nil
}

// Replay runs fn with broadcasts to the session held back. Whatever fn
// replies reaches the client in one piece, the held broadcasts follow it.
func (x *Exchange) Replay(ctx context.Context, fn func() error) error {
	x.session.holdBroadcasts()
	err := fn()
	if releaseErr := x.session.releaseBroadcasts(ctx); err == nil && releaseErr != nil {
		err = errors.Wrap(releaseErr, "could not release held broadcasts")
	}
	return err
}

// Accept saves c, acknowledges it to the sender and broadcasts it to every
// other session and to peer relays. Nothing is sent if the save fails.
// All of it happens under the lock of c's key so every session sees the
// changes of a key in log order.
func (x *Exchange) Accept(ctx context.Context, c protocol.Change) (changelog.Entry, error) {
	unlock := x.relay.stripes.lock(c.Store(), c.RecordKey())
	defer unlock()

	ent, err := x.relay.cl.SaveChange(ctx, c)
	if err != nil {
		return changelog.Entry{}, err
	}

	ok := protocol.OK{StoreName: c.Store(), Key: c.RecordKey(), NewVersion: c.RecordVersion()}
	if err := x.Reply(ctx, ok); err != nil {
		x.relay.logger.Debug("sender gone before ok", slog.String("store", c.Store()), slog.String("key", c.RecordKey()))
	}

	x.relay.broadcastUnderLock(ctx, c, x.session)
	return ent, nil
}
