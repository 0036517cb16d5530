// Package boltkv is a durable client engine on top of bbolt.
// Every collection is a bucket, values are the encoded records.
package boltkv

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var ErrEngineFailed = errors.New("bolt engine failed")

type Config struct {
	// OpenTimeout bounds the wait for the file lock held by another process
	OpenTimeout time.Duration
	NoSync      bool
}

func (cfg *Config) applyDefaults() {
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = time.Second
	}
}

type Engine struct {
	db *bolt.DB
}

func Open(path string, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, errors.Wrapf(ErrEngineFailed, "could not open %s: %s", path, err.Error())
	}

	return &Engine{db: db}, nil
}

func (e *Engine) Get(collection, key string) ([]byte, bool, error) {
	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}

		// bolt memory is only valid inside the transaction
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	})

	if err != nil {
		return nil, false, errors.Wrapf(ErrEngineFailed, "get %s/%s: %s", collection, key, err.Error())
	}

	return value, value != nil, nil
}

func (e *Engine) Put(collection, key string, value []byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})

	if err != nil {
		return errors.Wrapf(ErrEngineFailed, "put %s/%s: %s", collection, key, err.Error())
	}
	return nil
}

func (e *Engine) Delete(collection, key string) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})

	if err != nil {
		return errors.Wrapf(ErrEngineFailed, "delete %s/%s: %s", collection, key, err.Error())
	}
	return nil
}

// Scan walks a collection in byte order of keys until fn returns false
func (e *Engine) Scan(collection string, fn func(key string, value []byte) bool) error {
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(string(k), append([]byte{}, v...)) {
				return nil
			}
		}
		return nil
	})

	if err != nil {
		return errors.Wrapf(ErrEngineFailed, "scan %s: %s", collection, err.Error())
	}
	return nil
}

func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return errors.Wrap(ErrEngineFailed, err.Error())
	}
	return nil
}
