// Package broadcast delivers progress events to connected observers.
package broadcast

import (
	"log"
	"sync"

	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Subscription receives the events of one tenant, optionally narrowed to a
// single upload.
type Subscription struct {
	hub      *Hub
	tenantID uuid.UUID
	uploadID uuid.UUID
	events   chan domain.ProgressEvent
	once     sync.Once
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.events
}

// UploadID is uuid.Nil when the subscription follows every upload of the tenant.
func (s *Subscription) UploadID() uuid.UUID {
	return s.uploadID
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) matches(event domain.ProgressEvent) bool {
	return s.uploadID == uuid.Nil || s.uploadID == event.UploadID
}

// Hub is an in-process registry of subscriptions keyed by tenant. Publish
// never blocks: an observer whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*Subscription]struct{}
	bufferSize  int
	onDrop      func()
	closed      bool
}

type HubOption func(*Hub)

func WithBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// WithDropHook is called for every event skipped because an observer was slow.
func WithDropHook(fn func()) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers: make(map[uuid.UUID]map[*Subscription]struct{}),
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers an observer for tenantID. Pass uuid.Nil as uploadID
// to receive every upload of the tenant.
func (h *Hub) Subscribe(tenantID, uploadID uuid.UUID) *Subscription {
	sub := &Subscription{
		hub:      h,
		tenantID: tenantID,
		uploadID: uploadID,
		events:   make(chan domain.ProgressEvent, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.events)
		return sub
	}
	subs, ok := h.subscribers[tenantID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.subscribers[tenantID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sub.tenantID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sub.tenantID)
	}
	sub.once.Do(func() { close(sub.events) })
}

// Publish delivers event to the tenant's observers.
func (h *Hub) Publish(event domain.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[event.TenantID] {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			log.Printf("[broadcast] dropped %s event for upload %s: observer too slow", event.Status, event.UploadID)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// SubscriberCount returns the number of observers of tenantID.
func (h *Hub) SubscriberCount(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for tenantID, subs := range h.subscribers {
		for sub := range subs {
			sub.once.Do(func() { close(sub.events) })
		}
		delete(h.subscribers, tenantID)
	}
}
