// Package eventbus is a process-local publish/subscribe bus with typed
// topics and a wildcard sink, adapted from the teacher's generic
// internal/events Subject. Delivery is synchronous, depth-first, in
// subscriber-insertion order, and every callback runs inside a fault
// barrier: a panicking or erroring handler is logged and never stops
// later handlers from running.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/workfarm/workfarm/internal/logging"
)

// Handler receives an event payload. The topic it was delivered under
// is passed alongside so a wildcard subscriber can dispatch on it.
type Handler func(topic string, payload any)

// Subscription is returned by Subscribe/SubscribeAll; call Unsubscribe
// to stop receiving events.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

type subEntry struct {
	id      int64
	handler Handler
}

// Bus is a dependency-injected event bus instance, constructed once at
// startup and threaded through the component graph — never a
// process-wide singleton.
type Bus struct {
	mu        sync.Mutex
	nextID    int64
	topics    map[string][]subEntry
	wildcards []subEntry
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subEntry)}
}

// Subscribe registers handler for topic and returns an unsubscribe handle.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subEntry{id: id, handler: handler})
	return Subscription{unsubscribe: func() { b.removeFromTopic(topic, id) }}
}

// SubscribeAll registers a global sink that receives every published
// event regardless of topic.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcards = append(b.wildcards, subEntry{id: id, handler: handler})
	return Subscription{unsubscribe: func() { b.removeWildcard(id) }}
}

func (b *Bus) removeFromTopic(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.topics[topic]
	for i, e := range entries {
		if e.id == id {
			b.topics[topic] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeWildcard(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.wildcards {
		if e.id == id {
			b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
			return
		}
	}
}

// Publish stamps the event with its publish time and delivers it
// synchronously to every topic subscriber, then every wildcard
// subscriber, in insertion order. Typed payloads (model.Agent,
// model.AgentSession, ...) already carry their own timestamps, so only
// bare map[string]any payloads — used for the ad hoc event shapes like
// step/trigger notifications — get an "at" key filled in, and only
// when the caller hasn't already set one. The bus holds no queue —
// backpressure is the caller's responsibility.
func (b *Bus) Publish(topic string, payload any) {
	if m, ok := payload.(map[string]any); ok {
		if _, stamped := m["at"]; !stamped {
			m["at"] = time.Now()
		}
	}

	b.mu.Lock()
	topicSubs := append([]subEntry(nil), b.topics[topic]...)
	wildcardSubs := append([]subEntry(nil), b.wildcards...)
	b.mu.Unlock()

	for _, e := range topicSubs {
		b.deliver(e.handler, topic, payload)
	}
	for _, e := range wildcardSubs {
		b.deliver(e.handler, topic, payload)
	}
}

func (b *Bus) deliver(handler Handler, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("eventbus: handler panic on topic %q at %s: %v", topic, time.Now().Format(time.RFC3339), r)
		}
	}()
	handler(topic, payload)
}

// Clear discards every subscriber, topic and wildcard alike.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]subEntry)
	b.wildcards = nil
}

// String is a debug helper summarizing current subscriber counts.
func (b *Bus) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("eventbus{topics=%d, wildcards=%d}", len(b.topics), len(b.wildcards))
}
