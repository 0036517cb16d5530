package synceddb

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"github.com/tidwall/gjson"
)

// indexValue is a comparable projection of a JSON value.
// Values of different JSON types never match, ordering goes by type first.
type indexValue struct {
	t   gjson.Type
	num float64
	str string
}

func newIndexValue(res gjson.Result) indexValue {
	switch res.Type {
	case gjson.Number:
		return indexValue{t: res.Type, num: res.Num}
	case gjson.String:
		return indexValue{t: res.Type, str: res.Str}
	case gjson.True, gjson.False, gjson.Null:
		return indexValue{t: res.Type}
	}
	return indexValue{t: res.Type, str: res.Raw}
}

func (v indexValue) less(other indexValue) bool {
	if v.t != other.t {
		return v.t < other.t
	}
	if v.num != other.num {
		return v.num < other.num
	}
	return v.str < other.str
}

// indexBucket holds the keys of every record sharing one value, in primary key order
type indexBucket struct {
	value indexValue
	keys  *btree.BTree
}

func byIndexValues(a, b interface{}) bool {
	return a.(*indexBucket).value.less(b.(*indexBucket).value)
}

func byPKs(a, b interface{}) bool {
	pa, pb := a.(PK), b.(PK)
	return pa.Less(pb)
}

type index struct {
	spec indexSpec
	btr  *btree.BTree
}

func newIndex(spec indexSpec) *index {
	return &index{spec: spec, btr: btree.NewNonConcurrent(byIndexValues)}
}

func (idx *index) extract(rec *Record) (indexValue, bool) {
	res := gjson.GetBytes(rec.env.Value, idx.spec.path)
	if !res.Exists() {
		return indexValue{}, false
	}
	return newIndexValue(res), true
}

func (idx *index) add(rec *Record) {
	v, ok := idx.extract(rec)
	if !ok {
		return
	}

	var bucket *indexBucket
	if found := idx.btr.Get(&indexBucket{value: v}); found != nil {
		bucket = found.(*indexBucket)
	} else {
		bucket = &indexBucket{value: v, keys: btree.NewNonConcurrent(byPKs)}
		idx.btr.Set(bucket)
	}

	bucket.keys.Set(newPK(rec.env.Key))
}

func (idx *index) remove(rec *Record) {
	v, ok := idx.extract(rec)
	if !ok {
		return
	}

	found := idx.btr.Get(&indexBucket{value: v})
	if found == nil {
		return
	}

	bucket := found.(*indexBucket)
	bucket.keys.Delete(newPK(rec.env.Key))
	if bucket.keys.Len() == 0 {
		idx.btr.Delete(bucket)
	}
}

// conflicts reports the key of another record holding the same unique value
func (idx *index) conflicts(rec *Record) (string, bool) {
	if !idx.spec.unique {
		return "", false
	}

	v, ok := idx.extract(rec)
	if !ok {
		return "", false
	}

	found := idx.btr.Get(&indexBucket{value: v})
	if found == nil {
		return "", false
	}

	var other string
	found.(*indexBucket).keys.Ascend(nil, func(item interface{}) bool {
		pk := item.(PK)
		if pk.key != rec.env.Key {
			other = pk.key
			return false
		}
		return true
	})

	return other, other != ""
}

func (idx *index) keys(v indexValue) []string {
	found := idx.btr.Get(&indexBucket{value: v})
	if found == nil {
		return nil
	}

	bucket := found.(*indexBucket)
	result := make([]string, 0, bucket.keys.Len())
	bucket.keys.Ascend(nil, func(item interface{}) bool {
		pk := item.(PK)
		result = append(result, pk.key)
		return true
	})
	return result
}

// Index is a read handle on a secondary index of a store
type Index struct {
	store *Store
	idx   *index
}

func (i *Index) Name() string {
	return i.idx.spec.name
}

func (i *Index) Unique() bool {
	return i.idx.spec.unique
}

// Get returns every live record whose indexed field equals value, in key order
func (i *Index) Get(ctx context.Context, value interface{}) ([]*Record, error) {
	v, err := toIndexValue(value)
	if err != nil {
		return nil, err
	}

	return i.store.getByIndex(ctx, i.idx, v)
}

// First is the lookup for unique indexes
func (i *Index) First(ctx context.Context, value interface{}) (*Record, error) {
	records, err := i.Get(ctx, value)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, errors.Wrapf(ErrKeyDoesNotExist, "no record with %s = %v", i.idx.spec.name, value)
	}

	return records[0], nil
}

func toIndexValue(value interface{}) (indexValue, error) {
	m, err := toM(M{"v": value})
	if err != nil {
		return indexValue{}, err
	}

	b, err := m.encode()
	if err != nil {
		return indexValue{}, err
	}

	return newIndexValue(gjson.GetBytes(b, "v")), nil
}
