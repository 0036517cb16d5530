package synceddb_test

import (
	"sync"
	"testing"

	"github.com/denismitr/synceddb"
	"github.com/denismitr/synceddb/internal/memkv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

func testSchemas() []*synceddb.Schema {
	return []*synceddb.Schema{
		synceddb.NewSchema("animals").
			WithIndex("byColor", "color").
			WithUniqueIndex("byName", "name"),
		synceddb.NewSchema("roads").
			WithIndex("byLength", "length"),
		synceddb.NewSchema("houses").
			WithIndex("byStreet", "street"),
	}
}

func openTestDB(t *testing.T, cfg *synceddb.Config) *synceddb.DB {
	t.Helper()

	if cfg == nil {
		cfg = &synceddb.Config{}
	}
	if cfg.Stores == nil {
		cfg.Stores = testSchemas()
	}

	db, closer, err := synceddb.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = closer()
	})

	return db
}

func mustStore(t *testing.T, db *synceddb.DB, name string) *synceddb.Store {
	t.Helper()

	s, err := db.Store(name)
	require.NoError(t, err)
	return s
}

// flakyEngine fails writes while broken is set
type flakyEngine struct {
	*memkv.Engine

	mu     sync.Mutex
	broken bool
}

func newFlakyEngine() *flakyEngine {
	return &flakyEngine{Engine: memkv.New()}
}

func (e *flakyEngine) breakWrites(b bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broken = b
}

func (e *flakyEngine) isBroken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *flakyEngine) Put(collection, key string, value []byte) error {
	if e.isBroken() {
		return errDiskFull
	}
	return e.Engine.Put(collection, key, value)
}

func (e *flakyEngine) Delete(collection, key string) error {
	if e.isBroken() {
		return errDiskFull
	}
	return e.Engine.Delete(collection, key)
}

// eventRecorder collects events delivered by the bus
type eventRecorder struct {
	mu     sync.Mutex
	events []synceddb.Event
}

func (r *eventRecorder) handle(ev synceddb.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) all() []synceddb.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]synceddb.Event(nil), r.events...)
}

func (r *eventRecorder) count(t synceddb.EventType) int {
	var n int
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func mustIndex(t *testing.T, s *synceddb.Store, name string) *synceddb.Index {
	t.Helper()

	idx, err := s.Index(name)
	require.NoError(t, err)
	return idx
}
