package synceddb

import (
	"log/slog"

	"github.com/denismitr/synceddb/internal/memkv"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Config struct {
	// ClientID is sent with every change. A random one is generated when empty.
	ClientID string

	// Engine defaults to an in-memory engine, nothing survives Close.
	Engine Engine

	Stores []*Schema

	// Version of the stores layout. Opening an engine last opened with a lower
	// version runs Migrations in between. 0 leaves versioning off.
	Version int

	// Migrations by the version they upgrade to
	Migrations map[int]Migration

	Logger *slog.Logger

	// OnSubscriberError observes event handlers that failed or panicked
	OnSubscriberError func(ev Event, err error)
}

func (cfg *Config) applyTo(db *DB) error {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	if cfg.Engine == nil {
		cfg.Engine = memkv.New()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Version < 0 {
		return errors.Errorf("negative version %d", cfg.Version)
	}

	seen := make(map[string]struct{}, len(cfg.Stores))
	for _, s := range cfg.Stores {
		if s == nil || s.name == "" {
			return errors.New("store schema without a name")
		}

		if s.name == metaCollection {
			return errors.Errorf("store name %s is reserved", s.name)
		}

		if _, ok := seen[s.name]; ok {
			return errors.Errorf("store %s is declared twice", s.name)
		}
		seen[s.name] = struct{}{}
	}

	db.clientID = cfg.ClientID
	db.engine = cfg.Engine
	db.logger = cfg.Logger.With(slog.String("clientId", cfg.ClientID))
	db.bus = newEventBus(db.logger, cfg.OnSubscriberError)

	return nil
}
