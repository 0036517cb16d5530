// Package memkv is the default in-process engine: one btree of values per collection.
package memkv

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

var ErrEngineClosed = errors.New("memory engine is closed")

type item struct {
	key   string
	value []byte
}

func byKeys(a, b interface{}) bool {
	return a.(*item).key < b.(*item).key
}

type Engine struct {
	mu          sync.RWMutex
	collections map[string]*btree.BTree
	closed      bool
}

func New() *Engine {
	return &Engine{collections: make(map[string]*btree.BTree)}
}

func (e *Engine) Get(collection, key string) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, false, ErrEngineClosed
	}

	tr := e.collections[collection]
	if tr == nil {
		return nil, false, nil
	}

	found := tr.Get(&item{key: key})
	if found == nil {
		return nil, false, nil
	}

	return copyBytes(found.(*item).value), true, nil
}

func (e *Engine) Put(collection, key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	tr := e.collections[collection]
	if tr == nil {
		tr = btree.NewNonConcurrent(byKeys)
		e.collections[collection] = tr
	}

	tr.Set(&item{key: key, value: copyBytes(value)})
	return nil
}

func (e *Engine) Delete(collection, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	if tr := e.collections[collection]; tr != nil {
		tr.Delete(&item{key: key})
	}

	return nil
}

// Scan walks a collection in ascending key order until fn returns false
func (e *Engine) Scan(collection string, fn func(key string, value []byte) bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrEngineClosed
	}

	tr := e.collections[collection]
	if tr == nil {
		return nil
	}

	tr.Ascend(nil, func(i interface{}) bool {
		it := i.(*item)
		return fn(it.key, copyBytes(it.value))
	})

	return nil
}

func (e *Engine) Len(collection string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if tr := e.collections[collection]; tr != nil {
		return tr.Len()
	}
	return 0
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.collections = nil
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
