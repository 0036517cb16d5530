package relay

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyStripes serializes work on one (store, key) without a lock per key
type keyStripes []sync.Mutex

func newKeyStripes(n int) keyStripes {
	return make(keyStripes, n)
}

func (ks keyStripes) lock(store, key string) func() {
	d := xxhash.New()
	_, _ = d.WriteString(store)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(key)

	m := &ks[d.Sum64()%uint64(len(ks))]
	m.Lock()
	return m.Unlock
}
