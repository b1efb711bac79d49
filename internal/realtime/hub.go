package realtime

import (
	"log/slog"
	"sync"
)

// Handlers receives the events a subscription cares about. Nil callbacks are
// skipped. Callbacks run on the subscription's pump goroutine, one at a time,
// in arrival order.
type Handlers struct {
	OnProposal     func(ProposalEvent)
	OnMessage      func(MessageEvent)
	OnNotification func(NotificationEvent)
	OnTyping       func(TypingEvent)
}

// envelope wraps a published event with its broadcast origin. Change events
// carry origin "" and reach every subscriber, including the one whose write
// produced them; only presence broadcasts are self-suppressed.
type envelope struct {
	origin  string
	payload interface{}
}

const subscriptionBuffer = 64

// Subscription is a live registration on one channel key.
type Subscription struct {
	id       int64
	key      string
	origin   string
	handlers Handlers
	events   chan envelope
	closed   chan struct{}
	hub      *Hub
	once     sync.Once
}

// Close unregisters the subscription and stops its pump goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		close(s.closed)
	})
}

func (s *Subscription) pump() {
	for {
		select {
		case env := <-s.events:
			s.dispatch(env)
		case <-s.closed:
			return
		}
	}
}

func (s *Subscription) dispatch(env envelope) {
	switch ev := env.payload.(type) {
	case ProposalEvent:
		if s.handlers.OnProposal != nil {
			s.handlers.OnProposal(ev)
		}
	case MessageEvent:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(ev)
		}
	case NotificationEvent:
		if s.handlers.OnNotification != nil {
			s.handlers.OnNotification(ev)
		}
	case TypingEvent:
		if s.handlers.OnTyping != nil {
			s.handlers.OnTyping(ev)
		}
	}
}

// Hub is the in-process change-feed broker. Channel keys group subscribers;
// publishing delivers asynchronously to every registered subscription on the
// key, so slow consumers never block a store mutation path.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscription
	nextID int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int64]*Subscription)}
}

// Subscribe registers handlers on a channel key. origin identifies the
// subscriber for presence self-suppression; pass "" for feed-only consumers.
func (h *Hub) Subscribe(key, origin string, handlers Handlers) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:       h.nextID,
		key:      key,
		origin:   origin,
		handlers: handlers,
		events:   make(chan envelope, subscriptionBuffer),
		closed:   make(chan struct{}),
		hub:      h,
	}
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[int64]*Subscription)
	}
	h.subs[key][sub.id] = sub
	go sub.pump()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[sub.key]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.subs, sub.key)
		}
	}
}

// PublishProposal delivers a proposal change to every subscriber on key.
func (h *Hub) PublishProposal(key string, ev ProposalEvent) {
	h.publish(key, envelope{payload: ev})
}

// PublishMessage delivers a message change to every subscriber on key.
func (h *Hub) PublishMessage(key string, ev MessageEvent) {
	h.publish(key, envelope{payload: ev})
}

// PublishNotification delivers a notification change to every subscriber on key.
func (h *Hub) PublishNotification(key string, ev NotificationEvent) {
	h.publish(key, envelope{payload: ev})
}

// PublishTyping delivers a presence broadcast to every subscriber on key
// except the one registered with the given origin.
func (h *Hub) PublishTyping(key, origin string, ev TypingEvent) {
	h.publish(key, envelope{origin: origin, payload: ev})
}

func (h *Hub) publish(key string, env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[key] {
		if env.origin != "" && sub.origin == env.origin {
			continue
		}
		select {
		case sub.events <- env:
		default:
			// A stalled subscriber loses events rather than blocking
			// publishers; consumers already tolerate lossy delivery.
			slog.Warn("realtime subscriber buffer full, dropping event", "key", key, "sub_id", sub.id)
		}
	}
}
