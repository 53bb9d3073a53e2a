package subscribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	var first, second []Event

	b.Subscribe(func(e Event) { first = append(first, e) })
	b.Subscribe(func(e Event) { second = append(second, e) })

	e := Event{Facility: FacilitySink, Type: EventNew, Index: 7}
	b.Emit(e)

	assert.Equal(t, []Event{e}, first)
	assert.Equal(t, []Event{e}, second)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	count := 0

	sub := b.Subscribe(func(Event) { count++ })
	b.Emit(Event{})
	b.Unsubscribe(sub)
	b.Emit(Event{})

	assert.Equal(t, 1, count)
}
