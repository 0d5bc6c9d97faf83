package realtime

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultSendBuffer = 32

// Registry tracks live observers and fans messages out to them.
type Registry interface {
	Attach(subscriber *Subscriber)
	Detach(subscriber *Subscriber)
	Register(subject int64, subscriber *Subscriber)
	Unregister(subscriber *Subscriber)
	BroadcastToSubject(ctx context.Context, subject int64, message Message)
	BroadcastAll(ctx context.Context, message Message)
}

// Subscriber is one live connection with a bounded outbound queue.
type Subscriber struct {
	id     string
	stream chan Message
}

// NewSubscriber allocates a subscriber with a buffered queue.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Subscriber{
		id:     ulid.Make().String(),
		stream: make(chan Message, buffer),
	}
}

// ID returns the connection identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Messages exposes the outbound queue.
func (s *Subscriber) Messages() <-chan Message {
	return s.stream
}

func (s *Subscriber) offer(message Message) bool {
	select {
	case s.stream <- message:
		return true
	default:
		return false
	}
}

type HubConfig struct {
	Logger *zap.Logger
}

// Hub is the in-process Registry.
type Hub struct {
	mu        sync.RWMutex
	all       map[string]*Subscriber
	bySubject map[int64]map[string]*Subscriber
	subjectOf map[string]int64
	logger    *zap.Logger
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		all:       make(map[string]*Subscriber),
		bySubject: make(map[int64]map[string]*Subscriber),
		subjectOf: make(map[string]int64),
		logger:    logger,
	}
}

// Attach adds the subscriber to global delivery.
func (h *Hub) Attach(subscriber *Subscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	h.all[subscriber.id] = subscriber
	h.mu.Unlock()
}

// Detach removes the subscriber and any registration it holds.
func (h *Hub) Detach(subscriber *Subscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	delete(h.all, subscriber.id)
	h.unregisterLocked(subscriber.id)
	h.mu.Unlock()
}

// Register binds the subscriber to subject, replacing any previous binding.
func (h *Hub) Register(subject int64, subscriber *Subscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(subscriber.id)
	if _, ok := h.bySubject[subject]; !ok {
		h.bySubject[subject] = make(map[string]*Subscriber)
	}
	h.bySubject[subject][subscriber.id] = subscriber
	h.subjectOf[subscriber.id] = subject
}

// Unregister drops the subject binding but keeps global delivery.
func (h *Hub) Unregister(subscriber *Subscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	h.unregisterLocked(subscriber.id)
	h.mu.Unlock()
}

func (h *Hub) unregisterLocked(subscriberID string) {
	subject, ok := h.subjectOf[subscriberID]
	if !ok {
		return
	}
	delete(h.subjectOf, subscriberID)
	subscribers := h.bySubject[subject]
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.bySubject, subject)
	}
}

// BroadcastToSubject delivers to every connection registered for subject.
func (h *Hub) BroadcastToSubject(_ context.Context, subject int64, message Message) {
	h.mu.RLock()
	targets := copySubscribers(h.bySubject[subject])
	h.mu.RUnlock()
	h.deliver(targets, message)
}

// BroadcastAll delivers to every attached connection.
func (h *Hub) BroadcastAll(_ context.Context, message Message) {
	h.mu.RLock()
	targets := copySubscribers(h.all)
	h.mu.RUnlock()
	h.deliver(targets, message)
}

// ConnectionCount reports the number of attached connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) deliver(targets []*Subscriber, message Message) {
	if message.Type == "" {
		return
	}
	for _, subscriber := range targets {
		if !subscriber.offer(message) {
			h.logger.Debug("realtime message dropped",
				zap.String("connection_id", subscriber.id),
				zap.String("type", message.Type))
		}
	}
}

func copySubscribers(source map[string]*Subscriber) []*Subscriber {
	if len(source) == 0 {
		return nil
	}
	copies := make([]*Subscriber, 0, len(source))
	for _, subscriber := range source {
		copies = append(copies, subscriber)
	}
	return copies
}
