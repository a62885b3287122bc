package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	conderr "github.com/conductor-sh/conductor/internal/errors"
)

const (
	subjectPrefix = "events."
	// Remote republish retries with doubling delay before giving up.
	republishAttempts = 3
	republishBaseWait = 100 * time.Millisecond
)

// NATSBus layers cross-process fanout over a MemoryBus. Local delivery is
// unchanged; every published event is additionally republished to the
// subject `events.<type>`, and Listen drains remote events into the local
// bus.
//
// Remote delivery is best-effort: republish failures are logged, never
// returned to the publisher.
type NATSBus struct {
	local     *MemoryBus
	conn      *nats.Conn
	source    string
	logger    *slog.Logger
	listening atomic.Bool
}

// NewNATSBus connects to the NATS server at url. source identifies this
// process so its own republished events are not looped back.
func NewNATSBus(url, source string, logger *slog.Logger, opts ...BusOption) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("conductor-"+source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSBus{
		local:  NewMemoryBus(opts...),
		conn:   conn,
		source: source,
		logger: logger,
	}, nil
}

// Publish delivers locally, then republishes to the wire asynchronously.
func (b *NATSBus) Publish(event Event) {
	if event.Source == "" {
		event.Source = b.source
	}
	b.local.Publish(event)
	go b.republish(event)
}

// Subscribe registers a handler. It refuses to register before Listen has
// started: a subscription in a process that never drains the wire would
// silently miss every remote event, and that failure mode must be loud.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (func(), error) {
	if !b.listening.Load() {
		return nil, conderr.ErrTransportDown(
			fmt.Errorf("subscribe %q before Listen started; remote events would never be delivered", pattern))
	}
	return b.local.Subscribe(pattern, handler)
}

// Listen drains remote events into the local bus until ctx is cancelled.
// It must be running before any Subscribe call.
func (b *NATSBus) Listen(ctx context.Context) error {
	inbox := make(chan *nats.Msg, 512)
	sub, err := b.conn.ChanSubscribe(subjectPrefix+">", inbox)
	if err != nil {
		return conderr.ErrTransportDown(err)
	}
	b.listening.Store(true)
	return b.drain(ctx, sub, inbox)
}

// Start is the non-blocking form of Listen: it subscribes to the wire,
// then drains in the background. Subscribe calls are safe once it returns.
func (b *NATSBus) Start(ctx context.Context) error {
	inbox := make(chan *nats.Msg, 512)
	sub, err := b.conn.ChanSubscribe(subjectPrefix+">", inbox)
	if err != nil {
		return conderr.ErrTransportDown(err)
	}
	b.listening.Store(true)
	go func() { _ = b.drain(ctx, sub, inbox) }()
	return nil
}

func (b *NATSBus) drain(ctx context.Context, sub *nats.Subscription, inbox chan *nats.Msg) error {
	defer func() { _ = sub.Unsubscribe() }()
	defer b.listening.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				b.logger.Error("malformed remote event", "subject", msg.Subject, "error", err)
				continue
			}
			if event.Source == b.source {
				continue // our own republish looping back
			}
			b.local.Publish(event)
		}
	}
}

// Dropped reports the local bus's discarded-event count.
func (b *NATSBus) Dropped() int64 {
	return b.local.Dropped()
}

// Close tears down the wire connection and the local bus.
func (b *NATSBus) Close() {
	b.conn.Close()
	b.local.Close()
}

func (b *NATSBus) republish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("marshal event for republish", "event_id", event.ID, "error", err)
		return
	}
	subject := subjectPrefix + string(event.Type)

	wait := republishBaseWait
	for attempt := 1; attempt <= republishAttempts; attempt++ {
		if err = b.conn.Publish(subject, data); err == nil {
			return
		}
		if attempt < republishAttempts {
			time.Sleep(wait)
			wait *= 2
		}
	}
	b.logger.Error("remote publish failed, local delivery unaffected",
		"subject", subject, "event_id", event.ID, "error", err)
}
