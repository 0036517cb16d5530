package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/denismitr/synceddb/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultQueueSize  = 256
	defaultKeyStripes = 64
	defaultBacklog    = 4096
)

var ErrInvalidConfig = errors.New("invalid relay config")

// Fanout hands accepted changes to other relay instances.
// origin is the ID of the relay that accepted the change.
type Fanout interface {
	Publish(ctx context.Context, origin string, c protocol.Change) error
}

type Config struct {
	// ID identifies this instance among its peers, a random one is generated when empty
	ID string

	Logger *slog.Logger

	// QueueSize bounds the outbound queue of every session.
	// A session that falls that far behind is dropped.
	QueueSize int

	// ReplayBacklog bounds the broadcasts held for a session while history
	// is replayed to it. A session that overflows it is dropped.
	ReplayBacklog int

	// KeyStripes is the number of locks changes are serialized on by store and key
	KeyStripes int

	// Handlers defaults to DefaultHandlers()
	Handlers *Handlers

	Fanout Fanout

	Now func() time.Time
}

func (cfg *Config) applyTo(r *Relay) error {
	if cfg.QueueSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "queue size %d", cfg.QueueSize)
	}

	if cfg.ReplayBacklog < 0 {
		return errors.Wrapf(ErrInvalidConfig, "replay backlog %d", cfg.ReplayBacklog)
	}

	if cfg.KeyStripes < 0 {
		return errors.Wrapf(ErrInvalidConfig, "key stripes %d", cfg.KeyStripes)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.ReplayBacklog == 0 {
		cfg.ReplayBacklog = defaultBacklog
	}

	if cfg.KeyStripes == 0 {
		cfg.KeyStripes = defaultKeyStripes
	}

	if cfg.Handlers == nil {
		h := DefaultHandlers()
		cfg.Handlers = &h
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r.id = cfg.ID
	r.logger = cfg.Logger.With(slog.String("relay", cfg.ID))
	r.queueSize = cfg.QueueSize
	r.backlog = cfg.ReplayBacklog
	r.stripes = newKeyStripes(cfg.KeyStripes)
	r.handlers = *cfg.Handlers
	r.fanout = cfg.Fanout
	r.now = cfg.Now
	r.registry = newRegistry()

	return nil
}
