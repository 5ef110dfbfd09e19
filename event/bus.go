package event

import (
	"sync"
	"sync/atomic"
)

type Handler[Key comparable, Event any] interface {
	OnEvent(key Key, e Event)
}

// HandlerFunc is an adapter to allow the use of ordinary
// functions as Handlers.
type HandlerFunc[Key comparable, Event any] func(Key, Event)

// OnEvent calls f(key, e).
func (f HandlerFunc[Key, Event]) OnEvent(key Key, e Event) {
	f(key, e)
}

// Bus fans events out to subscribed handlers. Delivery is synchronous and in
// subscription order, so a publisher that emits serially gets serialized
// delivery on the other side.
type Bus[Key comparable, Event any] struct {
	handlersMu sync.RWMutex
	handlers   []*Subscription[Key, Event]
}

func NewBus[Key comparable, Event any]() *Bus[Key, Event] {
	return &Bus[Key, Event]{
		handlersMu: sync.RWMutex{},
		handlers:   nil,
	}
}

// AddHandler subscribes h to events with any of the provided keys, or to all
// events when no keys are provided. The returned Subscription must be
// cancelled to detach h.
func (b *Bus[Key, Event]) AddHandler(h Handler[Key, Event], keys ...Key) *Subscription[Key, Event] {
	sub := &Subscription[Key, Event]{
		bus:     b,
		handler: h,
	}
	if len(keys) > 0 {
		sub.keys = make(map[Key]struct{}, len(keys))
		for _, key := range keys {
			sub.keys[key] = struct{}{}
		}
	}
	sub.active.Store(true)

	b.handlersMu.Lock()
	b.handlers = append(b.handlers, sub)
	b.handlersMu.Unlock()

	return sub
}

func (b *Bus[Key, Event]) OnEvent(key Key, e Event) {
	b.handlersMu.RLock()
	// Copy handlers to prevent race conditions
	handlers := make([]*Subscription[Key, Event], len(b.handlers))
	copy(handlers, b.handlers)
	b.handlersMu.RUnlock()

	// Execute handlers outside the lock, so they may (un)subscribe
	for _, sub := range handlers {
		if !sub.matches(key) {
			continue
		}
		sub.handler.OnEvent(key, e)
	}
}

// HandlerCount returns the number of active subscriptions.
func (b *Bus[Key, Event]) HandlerCount() int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	return len(b.handlers)
}

func (b *Bus[Key, Event]) remove(sub *Subscription[Key, Event]) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	for i, existing := range b.handlers {
		if existing == sub {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Subscription is the handle returned by Bus.AddHandler.
type Subscription[Key comparable, Event any] struct {
	bus     *Bus[Key, Event]
	handler Handler[Key, Event]
	keys    map[Key]struct{}
	active  atomic.Bool
}

// Cancel detaches the handler. No events are delivered to it once Cancel
// returns, including events from a dispatch already in progress. Cancel is
// idempotent and safe on a nil Subscription.
func (s *Subscription[Key, Event]) Cancel() {
	if s == nil {
		return
	}
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

func (s *Subscription[Key, Event]) IsActive() bool {
	return s != nil && s.active.Load()
}

func (s *Subscription[Key, Event]) matches(key Key) bool {
	if !s.active.Load() {
		return false
	}
	if s.keys == nil {
		return true
	}
	_, ok := s.keys[key]
	return ok
}
