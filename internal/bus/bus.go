package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery to one subscriber preserves publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *queue
}

// queue is an unbounded FIFO drained into a subscriber channel by its own
// goroutine, so publishing never blocks and never drops.
type queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	done   chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pump(out chan<- Event) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()
		for _, evt := range batch {
			select {
			case out <- evt:
			case <-q.done:
				return
			}
		}
		select {
		case <-q.notify:
		case <-q.done:
			return
		}
	}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. A zero Timestamp is set to now.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber is full; never block the publisher.
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer; events for a full subscriber are dropped.
// Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	return ch, b.add(&subscription{namespace: namespace, ch: ch})
}

// SubscribeAll is Subscribe without loss: events queue without bound until
// the subscriber reads them. Core consumers that must see every event use it.
func (b *Bus) SubscribeAll(namespace string) (<-chan Event, func()) {
	ch := make(chan Event)
	q := &queue{notify: make(chan struct{}, 1), done: make(chan struct{})}
	unsub := b.add(&subscription{namespace: namespace, ch: ch, queue: q})
	go q.pump(ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			close(q.done)
		})
	}
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
