// Package synceddb is a local record database that stays eventually consistent
// with other clients through a relay.
//
// Every mutation is written to the local Engine first and tracked as dirty.
// A SyncClient pushes dirty records to the relay, pulls history missed while
// offline, and applies changes the relay broadcasts from other clients.
// Conflicts are resolved by version number, the higher version wins.
package synceddb

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type DB struct {
	clientID string
	engine   Engine
	logger   *slog.Logger
	bus      *EventBus

	mu     sync.RWMutex
	stores map[string]*Store
	closed bool
}

func Open(cfg *Config) (*DB, Closer, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	db := &DB{stores: make(map[string]*Store, len(cfg.Stores))}
	if err := cfg.applyTo(db); err != nil {
		return nil, NullCloser, err
	}

	for _, schema := range cfg.Stores {
		s := newStore(db, schema)
		if err := s.load(); err != nil {
			return nil, NullCloser, err
		}
		db.stores[schema.name] = s
	}

	if err := db.migrate(context.Background(), cfg.Version, cfg.Migrations); err != nil {
		return nil, NullCloser, err
	}

	db.logger.Debug("synceddb opened", slog.Int("stores", len(db.stores)))

	return db, db.close, nil
}

func (db *DB) close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	db.closed = true
	if err := db.engine.Close(); err != nil {
		return errors.Wrap(ErrStorageFailure, err.Error())
	}

	return nil
}

func (db *DB) ClientID() string {
	return db.clientID
}

func (db *DB) Events() *EventBus {
	return db.bus
}

func (db *DB) Store(name string) (*Store, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrDBClosed
	}

	s, ok := db.stores[name]
	if !ok {
		return nil, errors.Wrapf(ErrStoreNotFound, "%s", name)
	}

	return s, nil
}

// StoreNames in alphabetical order
func (db *DB) StoreNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.stores))
	for name := range db.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
