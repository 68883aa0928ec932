// Package pubsub fans wallet events out to listeners. Events published
// before anyone subscribes are buffered and replayed to the first
// subscriber so early emissions are never lost.
package pubsub

import (
	"sync"

	"fastnear.io/wallet-adapter/pkg/log"
)

// Hub is a topic-less broadcaster for one event type T.
type Hub[T any] struct {
	mu            sync.Mutex
	nextID        int
	listeners     map[int]func(T)
	unbroadcasted []T
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{listeners: map[int]func(T){}}
}

// Subscribe registers a listener and returns an unsubscribe func. The first
// listener receives any buffered events, in publish order.
func (h *Hub[T]) Subscribe(listener func(T)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = listener
	replay := h.unbroadcasted
	h.unbroadcasted = nil
	h.mu.Unlock()

	for _, event := range replay {
		listener(event)
	}
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Publish delivers the event to every listener synchronously, or buffers it
// when there are none yet.
func (h *Hub[T]) Publish(event T) {
	h.mu.Lock()
	if len(h.listeners) == 0 {
		h.unbroadcasted = append(h.unbroadcasted, event)
		h.mu.Unlock()
		log.Debugf("pubsub - buffered event with no listeners attached")
		return
	}
	listeners := make([]func(T), 0, len(h.listeners))
	for _, listener := range h.listeners {
		listeners = append(listeners, listener)
	}
	h.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// AccountEvent announces a change of the signed-in account set.
type AccountEvent struct {
	Network   string
	AccountID string
	SignedIn  bool
}

// TxEvent announces a transaction the adapter sent on the user's behalf.
type TxEvent struct {
	Network    string
	AccountID  string
	TxHash     string
	ReceiverID string
	Succeeded  bool
}
