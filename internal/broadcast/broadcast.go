package broadcast

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jpalmerr/cardwatch/internal/reader"
)

// Message is the outbound wire form of a card event.
type Message struct {
	// Reader is the device id the event came from.
	Reader string `json:"reader"`

	// Card is the card identifier, or empty when no card is present.
	Card string `json:"card"`
}

// MessageFromEvent converts a reader event to its wire form.
func MessageFromEvent(ev reader.Event) Message {
	return Message{Reader: ev.Reader, Card: ev.Card}
}

// Subscriber receives broadcast messages.
//
// Send is called with the broadcaster's lock held, so it must not block and
// must not call back into the Broadcaster. Returning an error removes the
// subscriber. Implementations are used as map keys and must be comparable;
// pointer receivers satisfy this.
type Subscriber interface {
	// ID identifies the subscriber in logs and status output.
	ID() string

	// Send hands off one message.
	Send(Message) error
}

// Broadcaster is a concurrency-safe set of subscribers.
//
// Membership changes and delivery are serialized by a single mutex, so an
// event is attempted exactly once for each subscriber registered when
// Broadcast takes the lock.
type Broadcaster struct {
	logger *zerolog.Logger

	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
}

// New creates an empty [Broadcaster]. A nil logger disables logging.
func New(logger *zerolog.Logger) *Broadcaster {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broadcaster{
		logger:      logger,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Register adds sub to the set. Registering the same subscriber twice has no
// further effect.
func (b *Broadcaster) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		return
	}
	b.subscribers[sub] = struct{}{}
	b.logger.Info().
		Str("subscriber_id", sub.ID()).
		Int("subscribers", len(b.subscribers)).
		Msg("subscriber registered")
}

// Unregister removes sub from the set. Unknown subscribers are ignored.
func (b *Broadcaster) Unregister(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	b.logger.Info().
		Str("subscriber_id", sub.ID()).
		Int("subscribers", len(b.subscribers)).
		Msg("subscriber unregistered")
}

// Broadcast sends ev to every registered subscriber and returns the number
// of successful deliveries.
//
// A subscriber whose Send returns an error or panics is logged and removed;
// delivery to the rest continues. Broadcast never panics.
func (b *Broadcaster) Broadcast(ev reader.Event) int {
	msg := MessageFromEvent(ev)

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for sub := range b.subscribers {
		if err := b.safeSend(sub, msg); err != nil {
			delete(b.subscribers, sub)
			b.logger.Warn().
				Err(err).
				Str("subscriber_id", sub.ID()).
				Str("device", msg.Reader).
				Int("subscribers", len(b.subscribers)).
				Msg("dropping subscriber after failed send")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("device", msg.Reader).
		Str("card", msg.Card).
		Int("delivered", delivered).
		Msg("event broadcast")
	return delivered
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Subscribers returns the sorted ids of the registered subscribers.
func (b *Broadcaster) Subscribers() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subscribers))
	for sub := range b.subscribers {
		ids = append(ids, sub.ID())
	}
	b.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// safeSend calls sub.Send with panic recovery. A panic is logged with a
// correlation ID and reported as an error.
func (b *Broadcaster) safeSend(sub Subscriber, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			b.logger.Error().
				Str("correlation_id", correlationID).
				Str("subscriber_id", sub.ID()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("subscriber send panic")
			err = fmt.Errorf("subscriber send panic (correlation_id: %s)", correlationID)
		}
	}()
	return sub.Send(msg)
}
