// Package events provides the ceremony-level publish/subscribe bus used to
// notify operator tooling (metrics, the WebSocket notifier in transport) of
// round and participant lifecycle transitions, without coupling
// ceremony/coordinator to any particular subscriber.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/setupforge/coordinator/ceremony/participant"
)

// Type identifies the kind of event published on the bus.
type Type string

const (
	RoundAggregated    Type = "round.aggregated"
	ParticipantDropped Type = "participant.dropped"
	ParticipantBanned  Type = "participant.banned"
	CeremonyOver       Type = "ceremony.over"
)

// Event is a message published on the bus.
type Event struct {
	Type         Type
	RoundHeight  uint64
	Participant  participant.Participant
	Participants []participant.Participant
	Timestamp    time.Time
}

// Subscription delivers events matching the types it was created with.
type Subscription struct {
	id     uint64
	types  map[Type]struct{}
	ch     chan Event
	bus    *Bus
	closed atomic.Bool
}

// Chan returns the channel events are delivered on.
func (s *Subscription) Chan() <-chan Event {
	return s.ch
}

// Unsubscribe removes this subscription from the bus and closes its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}

// Bus is a publish/subscribe bus for events.Type events. All methods are
// safe for concurrent use, since Coordinator publishes while holding its own
// lock but subscribers run on their own goroutines (transport's notifier,
// metrics).
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
}

// NewBus creates a Bus whose subscription channels are buffered to
// bufferSize entries; a slow subscriber drops events past that rather than
// blocking Publish.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription for the given event types. No types
// means every type.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	typeSet := make(map[Type]struct{}, len(types))
	for _, ty := range types {
		typeSet[ty] = struct{}{}
	}
	sub := &Subscription{
		id:    b.nextID,
		types: typeSet,
		ch:    make(chan Event, b.bufferSize),
		bus:   b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

// Publish delivers ev to every subscription whose type set matches (or is
// empty). Delivery is non-blocking: a full subscriber channel drops the
// event rather than stalling the caller, since Publish is always called
// while Coordinator holds its own mutex.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
