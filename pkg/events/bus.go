// Package events broadcasts bridge activity to admin stream clients.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bridge.
const (
	TypeSync      = "sync"      // Registry sync finished
	TypeMention   = "mention"   // Agent mentioned in a room
	TypeDM        = "dm"        // Direct message routed to an agent
	TypeReply     = "reply"     // Agent reply delivered
	TypeError     = "error"     // Handler or supervisor failure
	TypeLifecycle = "lifecycle" // Identity created, removed or cleaned up
	TypePresence  = "presence"  // Presence refresh cycle
)

// Event is one bridge activity record.
type Event struct {
	Type    string `json:"type"`
	Agent   string `json:"agent,omitempty"`
	Room    string `json:"room,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

// JSON serializes the event, stamping it if needed.
func (e Event) JSON() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// Filter selects events. Empty fields match anything. Events that carry no
// agent (syncs, presence cycles) pass an agent filter, since they concern
// every agent.
type Filter struct {
	Agent string
	Room  string
	Types []string
}

// Match reports whether e passes f.
func (f Filter) Match(e Event) bool {
	if f.Agent != "" && e.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Room != "" && e.Room != f.Room {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Subscription receives the events matching its filter on C until Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped counts matching events the subscriber was too slow to take.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus fans bridge events out to filtered subscriptions and keeps a ring of
// the latest ones so a new stream client can catch up.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	ring  []Event
	next  int
	count int
}

// NewBus creates a bus that remembers the last size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 200
	}
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		ring: make([]Event, size),
	}
}

// Publish stamps e, records it and offers it to every matching
// subscription. It never blocks.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	b.mu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe starts a subscription for the events matching f.
func (b *Bus) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, 64)
	sub := &Subscription{C: ch, ch: ch, filter: f, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Recent returns up to n of the latest events matching f, oldest first.
// n <= 0 returns all of them.
func (b *Bus) Recent(n int, f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		// Walk newest to oldest.
		e := b.ring[(b.next-1-i+len(b.ring))%len(b.ring)]
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	slices.Reverse(out)
	return out
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
