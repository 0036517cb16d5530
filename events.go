package synceddb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
)

type EventType string

const (
	EventAdd    EventType = "add"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

var errSubscriberPanicked = errors.New("subscriber panicked")

type Event struct {
	Type  EventType
	Store string
	Key   string
	// Record is a snapshot after the mutation, the last known state for deletes
	Record *Record
	// Remote is set for changes that came from the relay
	Remote bool
	Change protocol.Change
}

type Handler func(ev Event) error

type subscription struct {
	id    uint64
	store string
	types map[EventType]struct{}
	h     Handler
}

func (s *subscription) wants(ev *Event) bool {
	if s.store != "" && s.store != ev.Store {
		return false
	}

	if len(s.types) == 0 {
		return true
	}

	_, ok := s.types[ev.Type]
	return ok
}

// EventBus notifies local subscribers of committed mutations. The events of
// a store reach subscribers in commit order, in subscription order, on one of
// the goroutines that committed. A committer returns right away when another
// one is already delivering, its event follows the ones before it.
type EventBus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    []*subscription
	logger  *slog.Logger
	onError func(ev Event, err error)
}

func newEventBus(logger *slog.Logger, onError func(ev Event, err error)) *EventBus {
	return &EventBus{logger: logger, onError: onError}
}

// Subscribe registers h for events of store, or of every store when store is empty.
// With no types given all event types are delivered. The returned func cancels.
func (b *EventBus) Subscribe(store string, h Handler, types ...EventType) (cancel func()) {
	sub := &subscription{store: store, h: h}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(&ev) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(s, ev); err != nil {
			b.logger.Error("event subscriber failed",
				slog.String("event", string(ev.Type)),
				slog.String("store", ev.Store),
				slog.String("key", ev.Key),
				slog.Any("error", err),
			)

			if b.onError != nil {
				b.onError(ev, err)
			}
		}
	}
}

func (b *EventBus) deliver(s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errSubscriberPanicked, fmt.Sprint(r))
		}
	}()

	return s.h(ev)
}

// eventQueue keeps the events of one store in commit order. Events are
// pushed while the store is locked and drained outside of the lock by one
// goroutine at a time.
type eventQueue struct {
	mu       sync.Mutex
	pending  []Event
	draining bool
}

func (q *eventQueue) push(evs ...Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, evs...)
}

func (q *eventQueue) drain(publish func(ev Event)) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	for len(q.pending) > 0 {
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]

		q.mu.Unlock()
		publish(ev)
		q.mu.Lock()
	}

	q.pending = nil
	q.draining = false
	q.mu.Unlock()
}
