// Package changelog persists the history of changes accepted by the relay.
//
// A ChangeLog is append-only: entries are never mutated or removed, except by
// ResetChanges which wipes the whole history and exists for administration and tests.
// Implementations serialize SaveChange calls, so Seq order is the insertion order
// and every GetChanges result comes back in that order.
package changelog

import (
	"context"
	"time"

	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
)

var ErrChangeLogClosed = errors.New("change log is closed")
var ErrInvalidChange = errors.New("invalid change")
var ErrStorageFailed = errors.New("change log storage error")

type Entry struct {
	Seq     uint64
	Change  protocol.Change
	SavedAt time.Time
}

type ChangeLog interface {
	SaveChange(ctx context.Context, c protocol.Change) (Entry, error)
	// GetChanges returns the history of the requested stores in insertion order.
	// An empty StoreNames list matches every store.
	GetChanges(ctx context.Context, q protocol.GetChanges) ([]Entry, error)
	ResetChanges(ctx context.Context) error
}

type Closer func() error

func NullCloser() error { return nil }

// Validate rejects changes that cannot be addressed by store and key.
func Validate(c protocol.Change) error {
	if c == nil {
		return errors.Wrap(ErrInvalidChange, "nil change")
	}

	if c.Store() == "" {
		return errors.Wrapf(ErrInvalidChange, "%s change without store name", c.Type())
	}

	if c.RecordKey() == "" {
		return errors.Wrapf(ErrInvalidChange, "%s change in store %s without key", c.Type(), c.Store())
	}

	return nil
}

type storeFilter map[string]struct{}

func newStoreFilter(names []string) storeFilter {
	if len(names) == 0 {
		return nil
	}

	f := make(storeFilter, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

func (f storeFilter) match(store string) bool {
	if f == nil {
		return true
	}
	_, ok := f[store]
	return ok
}
