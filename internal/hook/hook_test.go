package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireRunsInConnectionOrder(t *testing.T) {
	var h Hook[int]
	var order []string

	h.Connect(func(int) Result { order = append(order, "first"); return Continue })
	h.Connect(func(int) Result { order = append(order, "second"); return Continue })

	assert.Equal(t, Continue, h.Fire(0))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestVetoShortCircuits(t *testing.T) {
	var h Hook[string]
	ran := false

	h.Connect(func(string) Result { return Veto })
	h.Connect(func(string) Result { ran = true; return Continue })

	assert.Equal(t, Veto, h.Fire("payload"))
	assert.False(t, ran)
}

func TestDisconnect(t *testing.T) {
	var h Hook[int]
	calls := 0

	slot := h.Connect(func(int) Result { calls++; return Continue })
	h.Fire(0)
	h.Disconnect(slot)
	h.Fire(0)

	assert.Equal(t, 1, calls)
}

func TestPayloadMutation(t *testing.T) {
	type data struct{ name string }
	var h Hook[*data]

	h.Connect(func(d *data) Result { d.name = "fixated"; return Continue })

	d := &data{name: "original"}
	h.Fire(d)
	assert.Equal(t, "fixated", d.name)
}
