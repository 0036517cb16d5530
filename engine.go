package synceddb

// Engine is the key value storage under the stores. Every store is a collection,
// values are opaque encoded records. Implementations must be safe for concurrent use.
type Engine interface {
	Get(collection, key string) ([]byte, bool, error)
	Put(collection, key string, value []byte) error
	Delete(collection, key string) error
	// Scan stops as soon as fn returns false
	Scan(collection string, fn func(key string, value []byte) bool) error
	Close() error
}

type Closer func() error

func NullCloser() error { return nil }
