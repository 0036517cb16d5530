package synceddb

import (
	"encoding/json"

	"github.com/denismitr/synceddb/protocol"
)

// tracker turns record mutations into replicable changes and keeps
// the sync metadata of records: dirty counter, version and pending diff.
type tracker struct {
	clientID string
}

func (t tracker) created(store string, m M) (*Record, error) {
	key, _ := m.key()
	value, err := m.encode()
	if err != nil {
		return nil, err
	}

	return &Record{env: recordEnvelope{
		Key:   key,
		Dirty: 1,
		Value: value,
	}}, nil
}

// updated bumps the version of acknowledged records only. Until the relay has
// seen a record every mutation folds into its pending create, at version 0.
func (t tracker) updated(prev *Record, next M, diff M) (*Record, error) {
	value, err := next.encode()
	if err != nil {
		return nil, err
	}

	pending, err := prev.pendingDiff()
	if err != nil {
		return nil, err
	}

	diffValue, err := pending.overlay(diff).encode()
	if err != nil {
		return nil, err
	}

	rec := prev.clone()
	rec.env.Value = value
	rec.env.Diff = diffValue
	rec.env.Dirty++
	if rec.env.Synced {
		rec.env.Version++
	}

	return rec, nil
}

func (t tracker) deleted(prev *Record) *Record {
	rec := prev.clone()
	rec.env.Deleted = true
	rec.env.Dirty++
	if rec.env.Synced {
		rec.env.Version++
	}
	return rec
}

// acknowledged applies an ok from the relay. dirtySent is the dirty counter
// at the time the change was sent, mutations made since stay dirty.
func (t tracker) acknowledged(prev *Record, newVersion int64, dirtySent int) *Record {
	rec := prev.clone()
	rec.env.Synced = true

	// a remote change won while ours was in flight
	if rec.env.Dirty == 0 {
		if rec.env.Version < newVersion {
			rec.env.Version = newVersion
		}
		return rec
	}

	rec.env.Dirty -= dirtySent
	if rec.env.Dirty <= 0 {
		rec.env.Dirty = 0
		rec.env.Version = newVersion
		rec.env.Diff = nil
		return rec
	}

	// the next push sends version-1, so the relay lands on our version
	if rec.env.Version < newVersion+1 {
		rec.env.Version = newVersion + 1
	}

	return rec
}

// remote builds the local state after a change from the relay won
func (t tracker) remote(prev *Record, c protocol.Change) (*Record, error) {
	switch typed := c.(type) {
	case protocol.Create:
		m, err := decodeM(typed.Record)
		if err != nil {
			return nil, err
		}
		m[keyField] = typed.RecordKey()

		value, err := m.encode()
		if err != nil {
			return nil, err
		}

		return &Record{env: recordEnvelope{
			Key:     typed.RecordKey(),
			Version: typed.Version,
			Synced:  true,
			Value:   value,
		}}, nil
	case protocol.Update:
		diff, err := decodeM(typed.Diff)
		if err != nil {
			return nil, err
		}
		delete(diff, keyField)

		current, err := prev.Map()
		if err != nil {
			return nil, err
		}

		value, err := current.merge(diff).encode()
		if err != nil {
			return nil, err
		}

		rec := prev.clone()
		rec.env.Value = value
		rec.env.Version = typed.Version
		rec.env.Dirty = 0
		rec.env.Diff = nil
		rec.env.Synced = true
		rec.env.Deleted = false
		return rec, nil
	case protocol.Delete:
		rec := prev.clone()
		rec.env.Version = typed.Version
		rec.env.Deleted = true
		rec.env.Dirty = 0
		rec.env.Diff = nil
		return rec, nil
	}

	return nil, ErrInvalidRecord
}

// pending builds the change that replicates the current local state of a dirty record
func (t tracker) pending(store string, rec *Record) (protocol.Change, error) {
	switch {
	case !rec.env.Synced:
		return protocol.Create{
			StoreName: store,
			Key:       rec.env.Key,
			Record:    json.RawMessage(rec.env.Value),
			ClientID:  t.clientID,
		}, nil
	case rec.env.Deleted:
		return protocol.Delete{
			StoreName: store,
			Key:       rec.env.Key,
			Version:   rec.env.Version - 1,
			ClientID:  t.clientID,
		}, nil
	}

	diff := rec.env.Diff
	if len(diff) == 0 {
		diff = json.RawMessage(`{}`)
	}

	return protocol.Update{
		StoreName: store,
		Key:       rec.env.Key,
		Diff:      diff,
		Version:   rec.env.Version - 1,
		ClientID:  t.clientID,
	}, nil
}

// local describes a single local mutation as a change, for events
func (t tracker) local(store string, typ EventType, rec *Record, diff M) (protocol.Change, error) {
	switch typ {
	case EventAdd:
		return protocol.Create{StoreName: store, Key: rec.env.Key, Record: rec.env.Value, ClientID: t.clientID}, nil
	case EventDelete:
		return protocol.Delete{StoreName: store, Key: rec.env.Key, Version: preVersion(rec), ClientID: t.clientID}, nil
	}

	b, err := diff.encode()
	if err != nil {
		return nil, err
	}

	return protocol.Update{StoreName: store, Key: rec.env.Key, Diff: b, Version: preVersion(rec), ClientID: t.clientID}, nil
}

func preVersion(rec *Record) int64 {
	if !rec.env.Synced || rec.env.Version == 0 {
		return 0
	}
	return rec.env.Version - 1
}
