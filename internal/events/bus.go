package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// GlobalPattern subscribes to every channel.
const GlobalPattern = "*"

// Handler processes one event. Handlers for the same event may run
// concurrently with each other; events on one channel are dispatched in
// publish order, and the next event is not dispatched until every handler
// of the previous one returned.
type Handler func(Event)

// Bus is the pub/sub contract shared by the in-memory, NATS-backed and
// persistent implementations.
type Bus interface {
	// Publish delivers the event to matching subscribers. It never fails:
	// remote delivery problems are logged and retried, not surfaced.
	Publish(event Event)
	// Subscribe registers a handler for channels matching pattern: an exact
	// event type, a prefix wildcard like "task.*", or "*". The returned
	// function removes the subscription.
	Subscribe(pattern string, handler Handler) (func(), error)
	// Close stops dispatch and waits for in-flight handlers.
	Close()
}

type subscription struct {
	id      int
	pattern string
	handler Handler
}

// MemoryBus delivers events in-process. Each channel has its own dispatch
// queue so per-channel FIFO holds; handler executions across the whole bus
// share a bounded worker pool.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int

	queues  map[EventType]chan Event
	workers *semaphore.Weighted
	logger  *slog.Logger

	queueSize int
	closed    bool
	dropped   atomic.Int64
	wg        sync.WaitGroup
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithQueueSize sets the per-channel queue depth.
func WithQueueSize(n int) BusOption {
	return func(b *MemoryBus) { b.queueSize = n }
}

// WithWorkers bounds the number of concurrently-running handlers.
func WithWorkers(n int) BusOption {
	return func(b *MemoryBus) { b.workers = semaphore.NewWeighted(int64(n)) }
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *MemoryBus) { b.logger = logger }
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		queues:    make(map[EventType]chan Event),
		workers:   semaphore.NewWeighted(16),
		queueSize: 256,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues the event on its channel queue. A full queue drops the
// event with an error log rather than blocking the publisher.
func (b *MemoryBus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[event.Type]
	if !ok {
		q = make(chan Event, b.queueSize)
		b.queues[event.Type] = q
		b.wg.Add(1)
		go b.dispatch(q)
	}
	b.mu.Unlock()

	select {
	case q <- event:
	default:
		b.dropped.Add(1)
		b.logger.Error("event queue full, dropping event",
			"type", event.Type, "event_id", event.ID,
			"dropped_total", b.dropped.Load())
	}
}

// Dropped reports how many events were discarded on full queues since the
// bus was created. A non-zero, growing value means subscribers cannot keep
// up and the queue depth or worker count needs raising.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a handler. On MemoryBus it never fails.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close drains the channel queues and waits for dispatchers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *MemoryBus) dispatch(q chan Event) {
	defer b.wg.Done()
	for event := range q {
		b.mu.RLock()
		var matched []Handler
		for _, s := range b.subs {
			if matchPattern(s.pattern, event.Type) {
				matched = append(matched, s.handler)
			}
		}
		b.mu.RUnlock()

		var wg sync.WaitGroup
		for _, h := range matched {
			if err := b.workers.Acquire(context.Background(), 1); err != nil {
				break
			}
			wg.Add(1)
			go func(h Handler) {
				defer b.workers.Release(1)
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event handler panicked",
							"type", event.Type, "event_id", event.ID, "panic", r)
					}
				}()
				h(event)
			}(h)
		}
		// Hold per-channel ordering: the next event waits for this one.
		wg.Wait()
	}
}

// matchPattern matches an exact type, a "prefix.*" wildcard, or "*".
func matchPattern(pattern string, eventType EventType) bool {
	if pattern == GlobalPattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(string(eventType), prefix+".")
	}
	return pattern == string(eventType)
}
