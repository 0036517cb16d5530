package lru

import (
	"container/list"
	"sync"
)

// shard is a byte-bounded lru list guarded by a single mutex
type shard struct {
	mu         sync.Mutex
	totalBytes uint64
	maxBytes   uint64
	evictList  *list.List
	elems      map[uint64]*list.Element
	onEvict    OnEvict
}

type item struct {
	key   uint64
	value []byte
}

func newShard(maxBytes uint64, onEvict OnEvict) *shard {
	return &shard{
		maxBytes:  maxBytes,
		evictList: list.New(),
		elems:     make(map[uint64]*list.Element),
		onEvict:   onEvict,
	}
}

func (s *shard) get(key uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.elems[key]
	if !ok {
		return nil, false
	}

	s.evictList.MoveToFront(elem)
	return elem.Value.(*item).value, true
}

// add stores value under key and reports whether anything was evicted.
// A value larger than the whole shard is not cached at all.
func (s *shard) add(key uint64, value []byte) bool {
	size := uint64(len(value))
	if size > s.maxBytes {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.elems[key]; ok {
		s.removeElementUnderLock(elem)
	}

	var evicted bool
	for s.totalBytes+size > s.maxBytes {
		k, v, ok := s.removeOldestUnderLock()
		if !ok {
			break
		}

		evicted = true
		if s.onEvict != nil {
			s.onEvict(k, v)
		}
	}

	s.elems[key] = s.evictList.PushFront(&item{key: key, value: value})
	s.totalBytes += size
	return evicted
}

func (s *shard) remove(key uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.elems[key]
	if !ok {
		return nil, false
	}

	_, v := s.removeElementUnderLock(elem)
	return v, true
}

func (s *shard) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.elems = make(map[uint64]*list.Element)
	s.evictList.Init()
	s.totalBytes = 0
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elems)
}

func (s *shard) bytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *shard) removeOldestUnderLock() (uint64, []byte, bool) {
	elem := s.evictList.Back()
	if elem == nil {
		return 0, nil, false
	}

	k, v := s.removeElementUnderLock(elem)
	return k, v, true
}

func (s *shard) removeElementUnderLock(elem *list.Element) (uint64, []byte) {
	s.evictList.Remove(elem)
	it := elem.Value.(*item)
	delete(s.elems, it.key)
	s.totalBytes -= uint64(len(it.value))
	return it.key, it.value
}
