package synceddb

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/denismitr/synceddb/options"
	"github.com/denismitr/synceddb/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

const castPanic = "how could primary keys item not be of type *entry"

type entry struct {
	pk  PK
	rec *Record
}

// Store is a collection of records of one kind. Records handed out are
// immutable snapshots, every mutation stores a new one.
type Store struct {
	name    string
	engine  Engine
	bus     *EventBus
	tracker tracker
	logger  *slog.Logger

	mu       sync.RWMutex
	pks      *btree.BTree
	indexes  map[string]*index
	dirty    map[string]struct{}
	inflight map[string]int

	// events committed under mu, delivered in that order
	events eventQueue

	// serializes push and pull of this store
	syncMu sync.Mutex
}

func newStore(db *DB, schema *Schema) *Store {
	s := &Store{
		name:     schema.name,
		engine:   db.engine,
		bus:      db.bus,
		tracker:  tracker{clientID: db.clientID},
		logger:   db.logger.With(slog.String("store", schema.name)),
		pks:      btree.NewNonConcurrent(byPrimaryKeys),
		indexes:  make(map[string]*index, len(schema.indexes)),
		dirty:    make(map[string]struct{}),
		inflight: make(map[string]int),
	}

	for _, spec := range schema.indexes {
		s.indexes[spec.name] = newIndex(spec)
	}

	return s
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var decodeErr error
	err := s.engine.Scan(s.name, func(key string, value []byte) bool {
		rec, err := decodeRecord(value)
		if err != nil {
			decodeErr = errors.Wrapf(err, "record %s of store %s", key, s.name)
			return false
		}

		s.setUnderLock(rec)
		return true
	})

	if err != nil {
		return errors.Wrap(ErrStorageFailure, err.Error())
	}

	if decodeErr != nil {
		return errors.Wrap(ErrStorageFailure, decodeErr.Error())
	}

	s.logger.Debug("store loaded", slog.Int("records", s.pks.Len()), slog.Int("dirty", len(s.dirty)))
	return nil
}

func (s *Store) Name() string {
	return s.name
}

// On subscribes to events of this store, see EventBus.Subscribe
func (s *Store) On(t EventType, h Handler) (cancel func()) {
	return s.bus.Subscribe(s.name, h, t)
}

// Create stores a new record and returns its key. The key is taken
// from the key field of data, a random one is generated when it is missing.
func (s *Store) Create(ctx context.Context, data interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m, err := toM(data)
	if err != nil {
		return "", err
	}

	return s.create(m)
}

func (s *Store) create(m M) (string, error) {
	s.mu.Lock()
	ev, err := s.createUnderLock(m)
	if err == nil {
		s.events.push(ev)
	}
	s.mu.Unlock()
	s.flushEvents()

	if err != nil {
		return "", err
	}
	return ev.Key, nil
}

func (s *Store) createUnderLock(m M) (Event, error) {
	key, ok := m.key()
	if !ok {
		key = uuid.NewString()
		m[keyField] = key
	}

	if s.getUnderLock(key) != nil {
		return Event{}, errors.Wrapf(ErrKeyAlreadyExists, "%s in store %s", key, s.name)
	}

	rec, err := s.tracker.created(s.name, m)
	if err != nil {
		return Event{}, err
	}

	if err := s.checkUniqueUnderLock(rec); err != nil {
		return Event{}, err
	}

	c, err := s.tracker.local(s.name, EventAdd, rec, nil)
	if err != nil {
		return Event{}, err
	}

	if err := s.persist(rec); err != nil {
		return Event{}, err
	}

	s.setUnderLock(rec)
	return s.event(EventAdd, rec, false, c), nil
}

// Update shallow merges diff into the record, a null field in diff removes the field
func (s *Store) Update(ctx context.Context, key string, diff interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	change, err := mergeChange(key, diff)
	if err != nil {
		return err
	}

	return s.update(key, change)
}

func mergeChange(key string, diff interface{}) (func(current M) (M, M), error) {
	d, err := toM(diff)
	if err != nil {
		return nil, err
	}

	if k, ok := d.key(); ok && k != key {
		return nil, errors.Wrapf(ErrInvalidRecord, "diff of %s cannot change the key to %s", key, k)
	}
	delete(d, keyField)

	return func(current M) (M, M) {
		return current.merge(d), d
	}, nil
}

// replaceChange swaps the whole value of a record for m, the diff is what changed
func replaceChange(m M) func(current M) (M, M) {
	return func(current M) (M, M) {
		next := m.merge(nil)
		next[keyField] = current[keyField]
		diff := current.diffTo(next)
		delete(diff, keyField)
		return next, diff
	}
}

func (s *Store) update(key string, change func(current M) (next M, diff M)) error {
	s.mu.Lock()
	ev, err := s.updateUnderLock(key, change)
	if err == nil {
		s.events.push(ev)
	}
	s.mu.Unlock()
	s.flushEvents()

	return err
}

func (s *Store) updateUnderLock(key string, change func(current M) (next M, diff M)) (Event, error) {
	ent := s.getUnderLock(key)
	if ent == nil || ent.rec.env.Deleted {
		return Event{}, errors.Wrapf(ErrKeyDoesNotExist, "%s in store %s", key, s.name)
	}

	current, err := ent.rec.Map()
	if err != nil {
		return Event{}, errors.Wrap(ErrStorageFailure, err.Error())
	}

	next, diff := change(current)
	rec, err := s.tracker.updated(ent.rec, next, diff)
	if err != nil {
		return Event{}, err
	}

	if err := s.checkUniqueUnderLock(rec); err != nil {
		return Event{}, err
	}

	c, err := s.tracker.local(s.name, EventUpdate, rec, diff)
	if err != nil {
		return Event{}, err
	}

	if err := s.persist(rec); err != nil {
		return Event{}, err
	}

	s.setUnderLock(rec)
	return s.event(EventUpdate, rec, false, c), nil
}

// Delete tombstones the record until the relay acknowledges the delete.
// A record the relay has never seen is removed right away.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	ev, err := s.deleteUnderLock(key)
	if err == nil {
		s.events.push(ev)
	}
	s.mu.Unlock()
	s.flushEvents()

	return err
}

func (s *Store) deleteUnderLock(key string) (Event, error) {
	ent := s.getUnderLock(key)
	if ent == nil || ent.rec.env.Deleted {
		return Event{}, errors.Wrapf(ErrKeyDoesNotExist, "%s in store %s", key, s.name)
	}

	if !ent.rec.env.Synced && s.inflight[key] == 0 {
		c, err := s.tracker.local(s.name, EventDelete, ent.rec, nil)
		if err != nil {
			return Event{}, err
		}

		if err := s.erase(key); err != nil {
			return Event{}, err
		}

		s.removeUnderLock(ent)
		return s.event(EventDelete, ent.rec, false, c), nil
	}

	rec := s.tracker.deleted(ent.rec)
	c, err := s.tracker.local(s.name, EventDelete, rec, nil)
	if err != nil {
		return Event{}, err
	}

	if err := s.persist(rec); err != nil {
		return Event{}, err
	}

	s.setUnderLock(rec)
	return s.event(EventDelete, rec, false, c), nil
}

// Put creates or replaces records by key and returns the keys in the order given.
// Replacing fires an update, even when nothing changed.
func (s *Store) Put(ctx context.Context, data ...interface{}) ([]string, error) {
	keys := make([]string, 0, len(data))
	for _, d := range data {
		if err := ctx.Err(); err != nil {
			return keys, err
		}

		m, err := toM(d)
		if err != nil {
			return keys, err
		}

		s.mu.Lock()
		ev, err := s.putUnderLock(m)
		if err == nil {
			s.events.push(ev)
		}
		s.mu.Unlock()
		s.flushEvents()

		if err != nil {
			return keys, err
		}

		keys = append(keys, ev.Key)
	}

	return keys, nil
}

func (s *Store) putUnderLock(m M) (Event, error) {
	if key, ok := m.key(); ok && s.liveUnderLock(key) {
		return s.updateUnderLock(key, replaceChange(m))
	}

	return s.createUnderLock(m)
}

func (s *Store) liveUnderLock(key string) bool {
	ent := s.getUnderLock(key)
	return ent != nil && !ent.rec.env.Deleted
}

func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLiveUnderLock(key)
}

func (s *Store) getLiveUnderLock(key string) (*Record, error) {
	ent := s.getUnderLock(key)
	if ent == nil || ent.rec.env.Deleted {
		return nil, errors.Wrapf(ErrKeyDoesNotExist, "%s in store %s", key, s.name)
	}

	return ent.rec, nil
}

// GetMany returns records in the order of keys and fails if any of them is missing
func (s *Store) GetMany(ctx context.Context, keys ...string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getManyUnderLock(keys)
}

func (s *Store) getManyUnderLock(keys []string) ([]*Record, error) {
	result := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.getLiveUnderLock(key)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	return result, nil
}

func (s *Store) Find(ctx context.Context, fo *options.FindOptions) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findUnderLock(ctx, fo)
}

func (s *Store) findUnderLock(ctx context.Context, fo *options.FindOptions) ([]*Record, error) {
	if fo == nil {
		fo = options.Find()
	}

	var patterns []string
	if fo.Pattern != "" {
		patterns = strings.Split(fo.Pattern, ":")
	}

	var result []*Record
	var iterErr error
	iter := func(item interface{}) bool {
		if err := ctx.Err(); err != nil {
			iterErr = err
			return false
		}

		ent, ok := item.(*entry)
		if !ok {
			panic(castPanic)
		}

		if ent.rec.env.Deleted {
			return true
		}

		if fo.P != "" && !strings.HasPrefix(ent.pk.key, fo.P) {
			return true
		}

		if patterns != nil && !ent.pk.Match(patterns) {
			return true
		}

		result = append(result, ent.rec)
		return fo.L <= 0 || len(result) < fo.L
	}

	var lower, upper interface{}
	if fo.KR != nil {
		if fo.KR.Lower != "" {
			lower = &entry{pk: newPK(fo.KR.Lower)}
		}
		if fo.KR.Upper != "" {
			upper = &entry{pk: newPK(fo.KR.Upper)}
		}
	}

	if fo.O == options.Descend {
		descendRange(s.pks, lower, upper, iter)
	} else {
		ascendRange(s.pks, lower, upper, iter)
	}

	if iterErr != nil {
		return nil, iterErr
	}

	return result, nil
}

// Dirty returns live records with local mutations the relay has not acknowledged
func (s *Store) Dirty(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, key := range s.sortedDirtyKeysUnderLock() {
		ent := s.getUnderLock(key)
		if ent != nil && !ent.rec.env.Deleted {
			result = append(result, ent.rec)
		}
	}

	return result, nil
}

// Count of live records
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countUnderLock()
}

func (s *Store) countUnderLock() int {
	var n int
	s.pks.Ascend(nil, func(item interface{}) bool {
		if !item.(*entry).rec.env.Deleted {
			n++
		}
		return true
	})
	return n
}

func (s *Store) Index(name string) (*Index, error) {
	idx, ok := s.indexes[name]
	if !ok {
		return nil, errors.Wrapf(ErrIndexNotFound, "%s in store %s", name, s.name)
	}

	return &Index{store: s, idx: idx}, nil
}

func (s *Store) getByIndex(ctx context.Context, idx *index, v indexValue) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := idx.keys(v)
	result := make([]*Record, 0, len(keys))
	for _, key := range keys {
		if ent := s.getUnderLock(key); ent != nil && !ent.rec.env.Deleted {
			result = append(result, ent.rec)
		}
	}

	return result, nil
}

// pendingChange is a change on its way to the relay
type pendingChange struct {
	key       string
	change    protocol.Change
	dirtySent int
}

// beginPush snapshots every dirty record as a change and marks it in flight
func (s *Store) beginPush() ([]pendingChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sortedDirtyKeysUnderLock()
	result := make([]pendingChange, 0, len(keys))
	for _, key := range keys {
		ent := s.getUnderLock(key)
		if ent == nil {
			continue
		}

		c, err := s.tracker.pending(s.name, ent.rec)
		if err != nil {
			return nil, err
		}

		s.inflight[key]++
		result = append(result, pendingChange{key: key, change: c, dirtySent: ent.rec.env.Dirty})
	}

	return result, nil
}

func (s *Store) endPush(pending []pendingChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pending {
		s.inflight[p.key]--
		if s.inflight[p.key] <= 0 {
			delete(s.inflight, p.key)
		}
	}
}

// acknowledge applies an ok of the relay to the record sent in p
func (s *Store) acknowledge(p pendingChange, newVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.getUnderLock(p.key)
	if ent == nil {
		return nil
	}

	rec := s.tracker.acknowledged(ent.rec, newVersion, p.dirtySent)
	if rec.env.Deleted && rec.env.Dirty == 0 {
		if err := s.erase(p.key); err != nil {
			return err
		}

		s.removeUnderLock(ent)
		return nil
	}

	if err := s.persist(rec); err != nil {
		return err
	}

	s.setUnderLock(rec)
	return nil
}

// applyRemote applies a change that came from the relay. Creates only fill
// missing keys, updates and deletes win when their version is newer.
func (s *Store) applyRemote(c protocol.Change) (bool, error) {
	s.mu.Lock()
	ev, applied, err := s.applyRemoteUnderLock(c)
	if applied {
		s.events.push(ev)
	}
	s.mu.Unlock()
	s.flushEvents()

	return applied, err
}

func (s *Store) applyRemoteUnderLock(c protocol.Change) (Event, bool, error) {
	key := c.RecordKey()
	ent := s.getUnderLock(key)

	switch c.(type) {
	case protocol.Create:
		if ent != nil {
			return Event{}, false, nil
		}

		rec, err := s.tracker.remote(nil, c)
		if err != nil {
			return Event{}, false, err
		}

		if err := s.persist(rec); err != nil {
			return Event{}, false, err
		}

		s.setUnderLock(rec)
		return s.event(EventAdd, rec, true, c), true, nil
	case protocol.Update:
		if ent == nil || c.RecordVersion() <= ent.rec.env.Version {
			return Event{}, false, nil
		}

		rec, err := s.tracker.remote(ent.rec, c)
		if err != nil {
			return Event{}, false, err
		}

		if err := s.persist(rec); err != nil {
			return Event{}, false, err
		}

		s.setUnderLock(rec)
		return s.event(EventUpdate, rec, true, c), true, nil
	case protocol.Delete:
		if ent == nil || c.RecordVersion() <= ent.rec.env.Version {
			return Event{}, false, nil
		}

		rec, err := s.tracker.remote(ent.rec, c)
		if err != nil {
			return Event{}, false, err
		}

		if err := s.erase(key); err != nil {
			return Event{}, false, err
		}

		s.removeUnderLock(ent)
		return s.event(EventDelete, rec, true, c), true, nil
	}

	return Event{}, false, errors.Wrapf(ErrInvalidRecord, "unexpected change %s", c.Type())
}

func (s *Store) event(t EventType, rec *Record, remote bool, c protocol.Change) Event {
	return Event{
		Type:   t,
		Store:  s.name,
		Key:    rec.env.Key,
		Record: rec,
		Remote: remote,
		Change: c,
	}
}

// flushEvents delivers queued events unless another goroutine already does
func (s *Store) flushEvents() {
	s.events.drain(s.bus.publish)
}

func (s *Store) persist(rec *Record) error {
	b, err := rec.encode()
	if err != nil {
		return err
	}

	if err := s.engine.Put(s.name, rec.env.Key, b); err != nil {
		return errors.Wrapf(ErrStorageFailure, "could not write %s in store %s: %s", rec.env.Key, s.name, err.Error())
	}

	return nil
}

func (s *Store) erase(key string) error {
	if err := s.engine.Delete(s.name, key); err != nil {
		return errors.Wrapf(ErrStorageFailure, "could not delete %s in store %s: %s", key, s.name, err.Error())
	}
	return nil
}

// restoreUnderLock puts back the state a key had, nil meaning it did not exist
func (s *Store) restoreUnderLock(key string, prev *Record) error {
	if prev != nil {
		if err := s.persist(prev); err != nil {
			return err
		}

		s.setUnderLock(prev)
		return nil
	}

	ent := s.getUnderLock(key)
	if ent == nil {
		return nil
	}

	if err := s.erase(key); err != nil {
		return err
	}

	s.removeUnderLock(ent)
	return nil
}

func (s *Store) checkUniqueUnderLock(rec *Record) error {
	for _, idx := range s.indexes {
		if other, ok := idx.conflicts(rec); ok {
			return errors.Wrapf(
				ErrUniqueViolation,
				"%s of %s is already taken by %s in store %s",
				idx.spec.name, rec.env.Key, other, s.name,
			)
		}
	}
	return nil
}

func (s *Store) getUnderLock(key string) *entry {
	pk := newPK(key)
	item := s.pks.Get(&entry{pk: pk})
	if item == nil {
		return nil
	}

	ent, ok := item.(*entry)
	if !ok {
		panic(castPanic)
	}

	if !ent.pk.Equal(&pk) {
		return nil
	}
	return ent
}

// setUnderLock inserts or replaces the record and keeps indexes and the dirty set in step
func (s *Store) setUnderLock(rec *Record) {
	if prev := s.getUnderLock(rec.env.Key); prev != nil {
		s.unindexUnderLock(prev.rec)
	}

	s.pks.Set(&entry{pk: newPK(rec.env.Key), rec: rec})

	if !rec.env.Deleted {
		for _, idx := range s.indexes {
			idx.add(rec)
		}
	}

	if rec.env.Dirty > 0 {
		s.dirty[rec.env.Key] = struct{}{}
	} else {
		delete(s.dirty, rec.env.Key)
	}
}

func (s *Store) removeUnderLock(ent *entry) {
	s.unindexUnderLock(ent.rec)
	s.pks.Delete(ent)
	delete(s.dirty, ent.rec.env.Key)
}

func (s *Store) unindexUnderLock(rec *Record) {
	if rec.env.Deleted {
		return
	}

	for _, idx := range s.indexes {
		idx.remove(rec)
	}
}

func (s *Store) sortedDirtyKeysUnderLock() []string {
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := newPK(keys[i]), newPK(keys[j])
		return a.Less(b)
	})

	return keys
}

// ascendRange walks [greaterOrEqual, lessThan), nil bounds are open
func ascendRange(btr *btree.BTree, greaterOrEqual, lessThan interface{}, iter func(item interface{}) bool) {
	btr.Ascend(greaterOrEqual, func(item interface{}) bool {
		if lessThan != nil && !btr.Less(item, lessThan) {
			return false
		}
		return iter(item)
	})
}

// descendRange walks the same range as ascendRange backwards
func descendRange(btr *btree.BTree, greaterOrEqual, lessThan interface{}, iter func(item interface{}) bool) {
	btr.Descend(lessThan, func(item interface{}) bool {
		if lessThan != nil && !btr.Less(item, lessThan) {
			return true
		}
		if greaterOrEqual != nil && btr.Less(item, greaterOrEqual) {
			return false
		}
		return iter(item)
	})
}
