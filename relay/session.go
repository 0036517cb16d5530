package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/denismitr/synceddb/transport"
	"github.com/google/uuid"
)

// Session is one client connection registered with the relay.
// Outbound frames go through a bounded queue drained by a writer goroutine.
type Session struct {
	id     string
	conn   transport.Conn
	logger *slog.Logger

	out chan []byte

	// broadcasts that arrive while a replay is being queued wait in held
	replayMu  sync.Mutex
	replaying bool
	held      [][]byte
	backlog   int

	mu       sync.RWMutex
	clientID string
	meta     map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn transport.Conn, queueSize, backlog int, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		logger:  logger.With(slog.String("session", id)),
		out:     make(chan []byte, queueSize),
		backlog: backlog,
		meta:    make(map[string]string),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// ClientID is the client id of the first change the session sent, empty until then
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) identify(clientID string) {
	if clientID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == "" {
		s.clientID = clientID
	}
}

// Set stores connection scoped metadata, it is gone with the session
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
}

func (s *Session) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok
}

// enqueue never blocks. A full queue closes the session.
// During a replay the frame is held back until the replay is queued.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.replayMu.Lock()
	if s.replaying {
		if len(s.held) >= s.backlog {
			s.replayMu.Unlock()
			s.logger.Warn("backlog overflow during replay, dropping session", slog.Int("held", len(s.held)))
			s.close()
			return false
		}

		s.held = append(s.held, frame)
		s.replayMu.Unlock()
		return true
	}
	s.replayMu.Unlock()

	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("outbound queue overflow, dropping session", slog.Int("queued", len(s.out)))
		s.close()
		return false
	}
}

// send waits for room in the queue, replies use it so a long replay is not an overflow
func (s *Session) send(ctx context.Context, frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// holdBroadcasts starts a replay, see enqueue
func (s *Session) holdBroadcasts() {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replaying = true
}

// releaseBroadcasts queues the held frames behind the replay in arrival
// order and ends the replay. Frames arriving meanwhile keep being held
// until the backlog is empty so nothing overtakes them.
func (s *Session) releaseBroadcasts(ctx context.Context) error {
	for {
		s.replayMu.Lock()
		batch := s.held
		s.held = nil
		if len(batch) == 0 {
			s.replaying = false
			s.replayMu.Unlock()
			return nil
		}
		s.replayMu.Unlock()

		for _, frame := range batch {
			if err := s.send(ctx, frame); err != nil {
				s.replayMu.Lock()
				s.replaying = false
				s.held = nil
				s.replayMu.Unlock()
				return err
			}
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.Write(ctx, frame); err != nil {
				s.logger.Debug("write failed", slog.Any("error", err))
				s.close()
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// close drops whatever is still queued
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
