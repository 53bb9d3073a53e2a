package subscribe

import "sync"

// Facility says what kind of object an event is about.
type Facility int

const (
	FacilitySink Facility = iota
	FacilitySource
	FacilitySinkInput
)

// EventType says what happened to it.
type EventType int

const (
	EventNew EventType = iota
	EventChange
	EventRemove
)

// An Event is one entry in the server's change feed: a facility, what
// happened, and the index of the object it happened to.
type Event struct {
	Facility Facility
	Type     EventType
	Index    uint32
}

// A Broadcaster fans events out to subscribers. Emission happens on the
// control thread; delivery is synchronous and in subscription order, so
// callbacks must be quick and must not call back into emitting objects.
type Broadcaster struct {
	mu   sync.Mutex
	subs []*Subscription
}

// A Subscription is one registered listener.
type Subscription struct {
	cb func(Event)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers cb for all future events.
func (b *Broadcaster) Subscribe(cb func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{cb: cb}
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to every subscriber.
func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.cb(e)
	}
}
