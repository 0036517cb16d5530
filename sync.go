package synceddb

import (
	"context"
	"log/slog"
	"sync"

	"github.com/denismitr/synceddb/protocol"
	"github.com/denismitr/synceddb/transport"
	"github.com/pkg/errors"
)

type ackKey struct {
	store string
	key   string
}

// pullState tracks the one pull a connection can have at a time.
// sending-changes carries no correlation id, so pulls cannot overlap.
type pullState struct {
	started  bool
	expected int
	received int
	done     chan struct{}
	closed   bool
}

func (p *pullState) finish() {
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// SyncClient pushes local changes to a relay, pulls the history it missed
// and applies what the relay broadcasts from other clients.
type SyncClient struct {
	db     *DB
	conn   transport.Conn
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[ackKey]chan protocol.OK
	pull    *pullState
	resets  []chan struct{}

	pullMu  sync.Mutex
	resetMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Connect starts a sync client over conn. The connection is owned by the
// client from now on and is closed by Close.
func (db *DB) Connect(conn transport.Conn) *SyncClient {
	c := &SyncClient{
		db:      db,
		conn:    conn,
		logger:  db.logger.With(slog.String("component", "sync")),
		waiters: make(map[ackKey]chan protocol.OK),
		done:    make(chan struct{}),
	}

	go c.readLoop()

	return c
}

func (c *SyncClient) Close() error {
	c.shutdown(ErrConnectionClosed)
	return c.conn.Close()
}

// Done is closed when the connection is gone
func (c *SyncClient) Done() <-chan struct{} {
	return c.done
}

func (c *SyncClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *SyncClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		if c.pull != nil {
			c.pull.finish()
		}
		c.mu.Unlock()

		close(c.done)
	})
}

func (c *SyncClient) readLoop() {
	ctx := context.Background()
	for {
		frame, err := c.conn.Read(ctx)
		if err != nil {
			c.logger.Debug("sync connection closed", slog.Any("error", err))
			c.shutdown(errors.Wrap(ErrConnectionClosed, err.Error()))
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping malformed message", slog.Any("error", err))
			continue
		}

		c.dispatch(msg)
	}
}

func (c *SyncClient) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.OK:
		c.mu.Lock()
		ch, ok := c.waiters[ackKey{store: m.StoreName, key: m.Key}]
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("ok without a pending change", slog.String("store", m.StoreName), slog.String("key", m.Key))
			return
		}

		select {
		case ch <- m:
		default:
		}
	case protocol.SendingChanges:
		c.mu.Lock()
		p := c.pull
		if p == nil || p.started {
			c.mu.Unlock()
			c.logger.Debug("sending-changes without a pull", slog.Int("count", m.NrOfRecordsToSync))
			return
		}

		p.started = true
		p.expected = m.NrOfRecordsToSync
		if p.expected <= 0 {
			p.finish()
		}
		c.mu.Unlock()
	case protocol.Create, protocol.Update, protocol.Delete:
		change := m.(protocol.Change)
		c.apply(change)

		c.mu.Lock()
		if p := c.pull; p != nil && p.started && !p.closed {
			p.received++
			if p.received >= p.expected {
				p.finish()
			}
		}
		c.mu.Unlock()
	case protocol.Reset:
		c.mu.Lock()
		if len(c.resets) > 0 {
			close(c.resets[0])
			c.resets = c.resets[1:]
		}
		c.mu.Unlock()
	default:
		c.logger.Debug("dropping unexpected message", slog.String("type", string(msg.Type())))
	}
}

// apply takes a change from the relay, it does not matter whether it is part of a pull or a broadcast
func (c *SyncClient) apply(change protocol.Change) {
	s, err := c.db.Store(change.Store())
	if err != nil {
		c.logger.Debug("change for an unknown store", slog.String("store", change.Store()))
		return
	}

	applied, err := s.applyRemote(change)
	if err != nil {
		c.logger.Error("could not apply remote change",
			slog.String("store", change.Store()),
			slog.String("key", change.RecordKey()),
			slog.String("type", string(change.Type())),
			slog.Any("error", err),
		)
		return
	}

	if !applied {
		c.logger.Debug("remote change skipped",
			slog.String("store", change.Store()),
			slog.String("key", change.RecordKey()),
			slog.Int64("version", change.RecordVersion()),
		)
	}
}

func (c *SyncClient) send(ctx context.Context, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	if err := c.conn.Write(ctx, b); err != nil {
		return errors.Wrapf(ErrConnectionClosed, "could not send %s: %s", m.Type(), err.Error())
	}
	return nil
}

// Push sends every dirty record of the given stores, or of all stores when
// none are named, and waits for the relay to acknowledge each of them.
// Records without an acknowledgement stay dirty and go out again on the next push.
func (c *SyncClient) Push(ctx context.Context, storeNames ...string) error {
	stores, err := c.db.resolveStores(storeNames)
	if err != nil {
		return err
	}

	var failed, total int
	for _, s := range stores {
		f, n, err := c.pushStore(ctx, s)
		if err != nil {
			return err
		}
		failed += f
		total += n
	}

	if failed > 0 {
		return errors.Wrapf(ErrNotAcknowledged, "%d of %d changes", failed, total)
	}

	return nil
}

func (c *SyncClient) pushStore(ctx context.Context, s *Store) (failed int, total int, err error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	pending, err := s.beginPush()
	if err != nil {
		return 0, 0, err
	}
	defer s.endPush(pending)

	if len(pending) == 0 {
		return 0, 0, nil
	}

	acks := make([]chan protocol.OK, len(pending))
	c.mu.Lock()
	for i, p := range pending {
		acks[i] = make(chan protocol.OK, 1)
		c.waiters[ackKey{store: s.name, key: p.key}] = acks[i]
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		for _, p := range pending {
			delete(c.waiters, ackKey{store: s.name, key: p.key})
		}
		c.mu.Unlock()
	}()

	sent := make([]bool, len(pending))
	for i, p := range pending {
		if err := c.send(ctx, p.change); err != nil {
			c.logger.Warn("could not send change",
				slog.String("store", s.name),
				slog.String("key", p.key),
				slog.Any("error", err),
			)
			break
		}
		sent[i] = true
	}

	for i, p := range pending {
		if !sent[i] {
			failed++
			continue
		}

		select {
		case ok := <-acks[i]:
			if err := s.acknowledge(p, ok.NewVersion); err != nil {
				c.logger.Error("could not store acknowledgement",
					slog.String("store", s.name),
					slog.String("key", p.key),
					slog.Any("error", err),
				)
				failed++
			}
		case <-ctx.Done():
			failed++
		case <-c.done:
			failed++
		}
	}

	c.logger.Debug("push finished",
		slog.String("store", s.name),
		slog.Int("sent", len(pending)),
		slog.Int("failed", failed),
	)

	return failed, len(pending), nil
}

// Pull asks the relay for the history of the given stores, or of all stores
// when none are named, and applies it. It returns once every announced change is applied.
//
// A pull abandoned by its caller is still owed an answer and the next pull
// waits for it. When the relay never answered, the next pull fails with
// ErrPullStalled once its own context is done, and only a new connection
// can pull again.
func (c *SyncClient) Pull(ctx context.Context, storeNames ...string) error {
	stores, err := c.db.resolveStores(storeNames)
	if err != nil {
		return err
	}

	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	// a previous pull abandoned by its caller may still be draining
	c.mu.Lock()
	prev := c.pull
	c.mu.Unlock()
	if prev != nil {
		if err := c.wait(ctx, prev.done); err != nil {
			c.mu.Lock()
			unanswered := !prev.started
			c.mu.Unlock()

			if unanswered && ctx.Err() != nil {
				return errors.Wrap(ErrPullStalled, "an earlier pull got no answer from the relay")
			}
			return err
		}
	}

	for _, s := range stores {
		s.syncMu.Lock()
		defer s.syncMu.Unlock()
	}

	p := &pullState{done: make(chan struct{})}
	c.mu.Lock()
	c.pull = p
	c.mu.Unlock()

	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}

	if err := c.send(ctx, protocol.GetChanges{StoreNames: names}); err != nil {
		c.mu.Lock()
		c.pull = nil
		c.mu.Unlock()
		return err
	}

	if err := c.wait(ctx, p.done); err != nil {
		return err
	}

	c.mu.Lock()
	if c.pull == p {
		c.pull = nil
	}
	c.mu.Unlock()

	c.logger.Debug("pull finished", slog.Any("stores", names), slog.Int("changes", p.received))
	return nil
}

// Reset asks the relay to wipe its change log. Meant for administration and tests.
func (c *SyncClient) Reset(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	done := make(chan struct{})
	c.mu.Lock()
	c.resets = append(c.resets, done)
	c.mu.Unlock()

	if err := c.send(ctx, protocol.Reset{}); err != nil {
		c.dropReset(done)
		return err
	}

	if err := c.wait(ctx, done); err != nil {
		c.dropReset(done)
		return err
	}

	return nil
}

func (c *SyncClient) dropReset(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, ch := range c.resets {
		if ch == done {
			c.resets = append(c.resets[:i], c.resets[i+1:]...)
			return
		}
	}
}

// wait blocks until ch is closed. A connection loss wins over a finished wait.
func (c *SyncClient) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		select {
		case <-c.done:
			return c.Err()
		default:
			return nil
		}
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
