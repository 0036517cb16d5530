package synceddb

import (
	"context"
	"log/slog"
	"sort"

	"github.com/denismitr/synceddb/options"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UserCallback runs inside a transaction. Returning an error rolls back
// every mutation made through tx. It must use tx only, the stores
// themselves would wait for the locks the transaction holds.
type UserCallback func(tx *Tx) error

type txKey struct {
	store string
	key   string
}

// undoEntry is the state of a key before the transaction first touched it
type undoEntry struct {
	s    *Store
	key  string
	prev *Record
}

// Tx spans the stores it was opened on, they stay locked until it ends.
// Events of its mutations are delivered after commit, none after a rollback.
type Tx struct {
	ctx      context.Context
	readOnly bool
	stores   map[string]*Store

	touched map[txKey]struct{}
	undo    []undoEntry
	events  []Event
}

// TxStore is a store seen through a transaction
type TxStore struct {
	tx *Tx
	s  *Store
}

// View runs cb with the named stores, or all stores when none are named,
// locked for reading. Mutations inside cb fail with ErrTxIsReadOnly.
func (db *DB) View(ctx context.Context, cb UserCallback, storeNames ...string) error {
	return db.run(ctx, true, storeNames, cb)
}

// Update runs cb with the named stores, or all stores when none are named,
// locked for writing. Either every mutation of cb commits or none does.
func (db *DB) Update(ctx context.Context, cb UserCallback, storeNames ...string) error {
	return db.run(ctx, false, storeNames, cb)
}

func (db *DB) run(ctx context.Context, readOnly bool, storeNames []string, cb UserCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stores, err := db.resolveStores(storeNames)
	if err != nil {
		return err
	}

	err = db.runLocked(ctx, readOnly, stores, cb)

	for _, s := range stores {
		s.flushEvents()
	}

	return err
}

func (db *DB) runLocked(ctx context.Context, readOnly bool, stores []*Store, cb UserCallback) error {
	// stores come sorted by name so transactions never lock in opposite orders
	for _, s := range stores {
		if readOnly {
			s.mu.RLock()
			defer s.mu.RUnlock()
		} else {
			s.mu.Lock()
			defer s.mu.Unlock()
		}
	}

	tx := &Tx{
		ctx:      ctx,
		readOnly: readOnly,
		stores:   make(map[string]*Store, len(stores)),
		touched:  make(map[txKey]struct{}),
	}
	for _, s := range stores {
		tx.stores[s.name] = s
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.rollback(); rbErr != nil {
				db.logger.Error("rollback after panic failed", slog.Any("error", rbErr))
			}
			panic(p)
		}
	}()

	if err := cb(tx); err != nil {
		if readOnly {
			return errors.Wrap(err, "db read failed")
		}

		if rbErr := tx.rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}

		return errors.Wrap(err, "db write failed. rolled back")
	}

	tx.commit()
	return nil
}

// resolveStores returns the named stores sorted and deduplicated, all of them when none are named
func (db *DB) resolveStores(names []string) ([]*Store, error) {
	if len(names) == 0 {
		names = db.StoreNames()
	} else {
		names = append([]string(nil), names...)
		sort.Strings(names)
	}

	stores := make([]*Store, 0, len(names))
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}

		s, err := db.Store(name)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}

	return stores, nil
}

func (tx *Tx) Store(name string) (*TxStore, error) {
	s, ok := tx.stores[name]
	if !ok {
		return nil, errors.Wrapf(ErrStoreNotFound, "%s is not part of the transaction", name)
	}

	return &TxStore{tx: tx, s: s}, nil
}

func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

func (tx *Tx) writable() error {
	if tx.readOnly {
		return ErrTxIsReadOnly
	}
	return tx.ctx.Err()
}

func (tx *Tx) remember(s *Store, key string) {
	k := txKey{store: s.name, key: key}
	if _, ok := tx.touched[k]; ok {
		return
	}
	tx.touched[k] = struct{}{}

	var prev *Record
	if ent := s.getUnderLock(key); ent != nil {
		prev = ent.rec
	}
	tx.undo = append(tx.undo, undoEntry{s: s, key: key, prev: prev})
}

func (tx *Tx) commit() {
	for _, ev := range tx.events {
		tx.stores[ev.Store].events.push(ev)
	}
	tx.events = nil
	tx.undo = nil
}

func (tx *Tx) rollback() error {
	var failed error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		if err := u.s.restoreUnderLock(u.key, u.prev); err != nil && failed == nil {
			failed = errors.Wrapf(err, "rollback of %s in store %s", u.key, u.s.name)
		}
	}

	tx.events = nil
	tx.undo = nil
	return failed
}

func (ts *TxStore) Name() string {
	return ts.s.name
}

func (ts *TxStore) Get(key string) (*Record, error) {
	if err := ts.tx.ctx.Err(); err != nil {
		return nil, err
	}
	return ts.s.getLiveUnderLock(key)
}

func (ts *TxStore) GetMany(keys ...string) ([]*Record, error) {
	if err := ts.tx.ctx.Err(); err != nil {
		return nil, err
	}
	return ts.s.getManyUnderLock(keys)
}

func (ts *TxStore) Find(fo *options.FindOptions) ([]*Record, error) {
	return ts.s.findUnderLock(ts.tx.ctx, fo)
}

func (ts *TxStore) Count() int {
	return ts.s.countUnderLock()
}

func (ts *TxStore) Create(data interface{}) (string, error) {
	if err := ts.tx.writable(); err != nil {
		return "", err
	}

	m, err := toM(data)
	if err != nil {
		return "", err
	}

	ev, err := ts.create(m)
	if err != nil {
		return "", err
	}
	return ev.Key, nil
}

func (ts *TxStore) create(m M) (Event, error) {
	key, ok := m.key()
	if !ok {
		key = uuid.NewString()
		m[keyField] = key
	}

	ts.tx.remember(ts.s, key)
	return ts.record(ts.s.createUnderLock(m))
}

func (ts *TxStore) Update(key string, diff interface{}) error {
	if err := ts.tx.writable(); err != nil {
		return err
	}

	change, err := mergeChange(key, diff)
	if err != nil {
		return err
	}

	ts.tx.remember(ts.s, key)
	_, err = ts.record(ts.s.updateUnderLock(key, change))
	return err
}

// Put creates or replaces records by key like Store.Put
func (ts *TxStore) Put(data ...interface{}) ([]string, error) {
	if err := ts.tx.writable(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for _, d := range data {
		m, err := toM(d)
		if err != nil {
			return keys, err
		}

		var ev Event
		if key, ok := m.key(); ok && ts.s.liveUnderLock(key) {
			ts.tx.remember(ts.s, key)
			ev, err = ts.record(ts.s.updateUnderLock(key, replaceChange(m)))
		} else {
			ev, err = ts.create(m)
		}

		if err != nil {
			return keys, err
		}
		keys = append(keys, ev.Key)
	}

	return keys, nil
}

func (ts *TxStore) Delete(key string) error {
	if err := ts.tx.writable(); err != nil {
		return err
	}

	ts.tx.remember(ts.s, key)
	_, err := ts.record(ts.s.deleteUnderLock(key))
	return err
}

func (ts *TxStore) record(ev Event, err error) (Event, error) {
	if err != nil {
		return Event{}, err
	}

	ts.tx.events = append(ts.tx.events, ev)
	return ev, nil
}
