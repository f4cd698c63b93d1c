// Package bus implements the runtime's broadcast publish/subscribe channel:
// every component that emits a typed envelope.Event (provider streams,
// kernel lifecycle events, rate-limit hits) publishes to one Bus, and every
// subscriber receives its own ordered, non-dropping view of the events that
// match its filter.
//
// Grounded on the teacher's InMemorySwarmContext (internal/multiagent/swarm.go):
// same "latest-value-map plus fan-out channel" shape, generalized from a
// single shared-context channel to per-subscriber filtered channels, and
// upgraded from best-effort (drop-on-full) delivery to a mailbox queue so
// that the spec's causal-ordering guarantee (Start precedes Token/ToolCall
// precedes End for one correlation id) always holds.
package bus

import (
	"sync"

	"github.com/relaykit/agentcore/internal/envelope"
)

// Filter decides whether an event should be delivered to a subscriber.
type Filter func(envelope.Event) bool

// ByCorrelationID matches events whose CorrelationKey equals id.
func ByCorrelationID(id interface{ String() string }) Filter {
	key := id.String()
	return func(e envelope.Event) bool { return e.CorrelationKey().String() == key }
}

// Subscription is a single subscriber's ordered view of the bus.
type Subscription struct {
	C <-chan envelope.Event

	bus *Bus
	id  uint64
}

// Unsubscribe stops delivery and releases the subscription's mailbox.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	filter Filter
	queue  []envelope.Event
	out    chan envelope.Event
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	stop   chan struct{}
}

// Bus is a broadcast publish/subscribe channel. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]*subscriber
	bufferCap int
}

// New constructs an empty Bus. bufferCap sizes each subscriber's output
// channel; delivery never drops regardless of bufferCap because excess
// events queue in the subscriber's own mailbox rather than being discarded.
func New(bufferCap int) *Bus {
	if bufferCap <= 0 {
		bufferCap = 16
	}
	return &Bus{subs: make(map[uint64]*subscriber), bufferCap: bufferCap}
}

// Subscribe registers a new subscriber. A nil filter matches every event.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	if filter == nil {
		filter = func(envelope.Event) bool { return true }
	}
	sub := &subscriber{
		filter: filter,
		out:    make(chan envelope.Event, b.bufferCap),
		stop:   make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	return &Subscription{C: sub.out, bus: b, id: id}
}

// Publish broadcasts an event to every subscriber whose filter matches. It
// never blocks on a slow subscriber: each subscriber owns an internal queue
// drained by its own delivery goroutine, so one stalled consumer cannot
// stall publication to others or delay the publisher.
func (b *Bus) Publish(event envelope.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter(event) {
			sub.enqueue(event)
		}
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close tears down every live subscription. The bus must not be used after
// Close.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) enqueue(event envelope.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.cond.Signal()
}

// pump delivers queued events to out in FIFO order, one at a time, blocking
// on a full out channel rather than dropping — this is what turns the
// best-effort teacher pattern into the spec's ordering guarantee.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.stop:
			return
		}
	}
}
