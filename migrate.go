package synceddb

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
)

const (
	metaCollection = "synceddb:meta"
	versionKey     = "version"
)

// Upgrade tells a migration which version the engine had and which one is being opened
type Upgrade struct {
	OldVersion int
	NewVersion int
}

// Migration runs once when the engine is upgraded past the version it is keyed by.
// All migrations of one upgrade share a single transaction over every store.
type Migration func(tx *Tx, u Upgrade) error

func (db *DB) storedVersion() (int, error) {
	b, ok, err := db.engine.Get(metaCollection, versionKey)
	if err != nil {
		return 0, errors.Wrap(ErrStorageFailure, err.Error())
	}

	if !ok {
		return 0, nil
	}

	v, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, errors.Wrapf(ErrStorageFailure, "stored version %q: %s", b, err.Error())
	}

	return v, nil
}

// migrate brings the engine to version, running the migrations past the stored one in order
func (db *DB) migrate(ctx context.Context, version int, migrations map[int]Migration) error {
	if version == 0 {
		return nil
	}

	current, err := db.storedVersion()
	if err != nil {
		return err
	}

	if current > version {
		return errors.Wrapf(ErrVersionDowngrade, "stored %d, requested %d", current, version)
	}

	if current == version {
		return nil
	}

	u := Upgrade{OldVersion: current, NewVersion: version}
	err = db.Update(ctx, func(tx *Tx) error {
		for v := current + 1; v <= version; v++ {
			m, ok := migrations[v]
			if !ok {
				continue
			}

			if err := m(tx, u); err != nil {
				return errors.Wrapf(err, "migration to version %d", v)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := db.engine.Put(metaCollection, versionKey, []byte(strconv.Itoa(version))); err != nil {
		return errors.Wrap(ErrStorageFailure, err.Error())
	}

	db.logger.Info("database upgraded", slog.Int("from", current), slog.Int("to", version))
	return nil
}
