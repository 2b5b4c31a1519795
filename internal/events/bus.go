// Package events broadcasts tool discovery activity to live observers
// such as the /v1/events WebSocket. A nil *Bus accepts every call, so
// publishers never need a guard.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// SourceDiscovery identifies events published by the tool cache.
const SourceDiscovery = "discovery"

// Kinds published under [SourceDiscovery].
const (
	// KindFetchStart: a discovery attempt was launched.
	// Data: attempt_id, server, command.
	KindFetchStart = "fetch_start"
	// KindFetchComplete: the attempt resolved with tools.
	// Data: attempt_id, server, tools, duration_ms.
	KindFetchComplete = "fetch_complete"
	// KindFetchFailed: the attempt failed and an empty list was cached.
	// Data: attempt_id, server, error_kind, error, duration_ms.
	KindFetchFailed = "fetch_failed"
	// KindUnconfigured: a lookup found no server configured.
	KindUnconfigured = "unconfigured"
	// KindCacheReset: the cache was cleared.
	// Data: previous_state.
	KindCacheReset = "cache_reset"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses the event; publishers never wait.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event

	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes a discovery event stamped with the current time.
func (b *Bus) Emit(kind string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    SourceDiscovery,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
