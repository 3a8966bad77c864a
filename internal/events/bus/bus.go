// Package bus provides the event bus used to fan out agent lifecycle and
// task events. An in-process implementation is the default; a NATS-backed
// implementation is available for multi-consumer deployments.
package bus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on the bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a received event
type Handler func(event *Event)

// Subscription can be cancelled to stop receiving events
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes events to subscribers. Subjects are dot-separated;
// a subscription subject ending in ".>" matches every subject under that
// prefix (NATS wildcard semantics).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// MemoryEventBus is a single-process EventBus. Handlers for one subject are
// invoked in subscription order, sequentially, so per-subject ordering is
// preserved.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
	closed bool
}

type memorySubscription struct {
	id      int
	subject string
	handler Handler
	bus     *MemoryEventBus
}

// Unsubscribe removes the subscription from the bus
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subs: make(map[int]*memorySubscription),
	}
}

// Publish delivers the event synchronously to every matching subscriber
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	var matched []*memorySubscription
	for _, sub := range b.subs {
		if subjectMatches(sub.subject, subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		sub.handler(event)
	}
	return nil
}

// Subscribe registers a handler for a subject (supports trailing ".>")
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		subject: subject,
		handler: handler,
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close drops all subscriptions
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*memorySubscription)
	b.closed = true
	return nil
}

// subjectMatches implements exact match plus the ".>" suffix wildcard
func subjectMatches(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ">")
		return strings.HasPrefix(subject, prefix)
	}
	return false
}
