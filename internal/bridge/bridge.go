package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MessageType identifies the structured messages exchanged between the
// interception context and the application context.
type MessageType string

const (
	// MessageTypeQueueRequest carries a deferred mutation from the
	// interceptor to the application, which owns the queue.
	MessageTypeQueueRequest MessageType = "QUEUE_REQUEST"
	// MessageTypeSyncRequired signals that connectivity returned and a
	// sync attempt should be scheduled.
	MessageTypeSyncRequired MessageType = "SYNC_REQUIRED"
	// MessageTypeSkipWaiting forces immediate activation of the current
	// interceptor version.
	MessageTypeSkipWaiting MessageType = "SKIP_WAITING"
	// MessageTypeClearCache drops all response cache namespaces.
	MessageTypeClearCache MessageType = "CLEAR_CACHE"
	// MessageTypeCacheURLs pre-warms the given URLs into the current
	// cache namespace.
	MessageTypeCacheURLs MessageType = "CACHE_URLS"
)

// QueuedRequest is the extracted tuple of a mutation that failed at the
// network layer. Body is JSON when the request carried JSON, a quoted string
// for other content types, and null when extraction failed.
type QueuedRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// Message is the unit carried over the bridge. Exactly one payload field is
// populated depending on Type; consumers ignore types they do not recognize.
type Message struct {
	Type      MessageType
	Request   *QueuedRequest
	URLs      []string
	Note      string
	Timestamp time.Time
}

// Dispatcher is a fire-and-forget broadcast channel between execution
// contexts. Publish never blocks; a subscriber that falls behind misses
// messages rather than stalling the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a consumer. The returned cleanup is idempotent and also
// runs when the context is done.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Message, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish broadcasts the message to every connected subscriber.
func (d *Dispatcher) Publish(message Message) {
	if message.Type == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of connected contexts.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}
