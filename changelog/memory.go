package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/denismitr/synceddb/protocol"
)

var _ ChangeLog = (*Memory)(nil)

// Memory keeps the history in process memory. It is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) SaveChange(ctx context.Context, c protocol.Change) (Entry, error) {
	if err := Validate(c); err != nil {
		return Entry{}, err
	}

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ent := Entry{Seq: m.seq, Change: c, SavedAt: m.now()}
	m.entries = append(m.entries, ent)

	return ent, nil
}

func (m *Memory) GetChanges(ctx context.Context, q protocol.GetChanges) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	f := newStoreFilter(q.StoreNames)
	result := make([]Entry, 0, len(m.entries))
	for _, ent := range m.entries {
		if f.match(ent.Change.Store()) {
			result = append(result, ent)
		}
	}

	return result, nil
}

func (m *Memory) ResetChanges(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
