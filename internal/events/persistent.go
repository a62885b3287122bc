package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/internal/db"
)

const (
	// Buffer flushes when it reaches this size.
	bufferSizeThreshold = 10
	// Buffer flushes automatically on this interval.
	flushInterval = 5 * time.Second
)

// PersistentBus wraps another Bus and additionally appends every published
// event to the event_log table in buffered batches. Delivery semantics of
// the inner bus are unchanged; persistence failures are logged and do not
// fail Publish.
type PersistentBus struct {
	inner  Bus
	store  *db.DB
	source string
	logger *slog.Logger

	bufferMu sync.Mutex
	buffer   []*db.EventRecord

	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPersistentBus wraps inner with event-log persistence. source tags the
// rows with the writing process.
func NewPersistentBus(inner Bus, store *db.DB, source string, logger *slog.Logger) *PersistentBus {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PersistentBus{
		inner:  inner,
		store:  store,
		source: source,
		logger: logger,
		buffer: make([]*db.EventRecord, 0, bufferSizeThreshold),
		stopCh: make(chan struct{}),
	}
	p.flushTicker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Publish delivers through the inner bus and buffers the row.
func (p *PersistentBus) Publish(event Event) {
	p.inner.Publish(event)

	record := p.toRecord(event)
	p.bufferMu.Lock()
	p.buffer = append(p.buffer, record)
	shouldFlush := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if shouldFlush {
		p.Flush()
	}
}

// Subscribe passes through to the inner bus.
func (p *PersistentBus) Subscribe(pattern string, handler Handler) (func(), error) {
	return p.inner.Subscribe(pattern, handler)
}

// Dropped reports the inner bus's discarded-event count, or zero when the
// inner bus does not track drops.
func (p *PersistentBus) Dropped() int64 {
	if d, ok := p.inner.(interface{ Dropped() int64 }); ok {
		return d.Dropped()
	}
	return 0
}

// Flush writes the buffered batch immediately.
func (p *PersistentBus) Flush() {
	p.bufferMu.Lock()
	batch := p.buffer
	p.buffer = make([]*db.EventRecord, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := p.store.AppendEvents(context.Background(), batch); err != nil {
		p.logger.Error("flush event batch", "count", len(batch), "error", err)
	}
}

// Close flushes the remaining buffer and shuts down the inner bus.
func (p *PersistentBus) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.flushTicker.Stop()
		p.wg.Wait()
		p.Flush()
		p.inner.Close()
	})
}

func (p *PersistentBus) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.flushTicker.C:
			p.Flush()
		}
	}
}

func (p *PersistentBus) toRecord(event Event) *db.EventRecord {
	payload := "{}"
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			payload = string(data)
		}
	}
	source := event.Source
	if source == "" {
		source = p.source
	}
	return &db.EventRecord{
		EventID:     event.ID,
		EventType:   string(event.Type),
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		Payload:     payload,
		Source:      source,
		PublishedAt: event.PublishedAt,
	}
}
