package sink_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorushall/chorus/internal/hook"
	"github.com/chorushall/chorus/internal/namereg"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/internal/source"
	"github.com/chorushall/chorus/internal/subscribe"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

func TestNewValidation(t *testing.T) {
	h := newHarness(t)

	// Missing name.
	_, err := sink.New(h.core, &sink.NewData{Driver: "test", Spec: testSpec}, 0)
	assert.Error(t, err)

	// Invalid UTF-8 name.
	_, err = sink.New(h.core, &sink.NewData{Name: string([]byte{0xff}), Driver: "test", Spec: testSpec}, 0)
	assert.Error(t, err)

	// Invalid spec.
	_, err = sink.New(h.core, &sink.NewData{Name: "bad", Driver: "test"}, 0)
	assert.Error(t, err)

	// Channel-count mismatch between volume and spec.
	badVol := volume.Reset(1)
	_, err = sink.New(h.core, &sink.NewData{Name: "bad", Driver: "test", Spec: testSpec, Volume: &badVol}, 0)
	assert.Error(t, err)

	// Channel-count mismatch between map and spec.
	mono, merr := sample.DefaultChannelMap(1)
	require.NoError(t, merr)
	_, err = sink.New(h.core, &sink.NewData{Name: "bad", Driver: "test", Spec: testSpec, ChannelMap: &mono}, 0)
	assert.Error(t, err)
}

func TestNameCollisionPolicies(t *testing.T) {
	h := newHarness(t) // registers "test"

	_, err := sink.New(h.core, &sink.NewData{Name: "test", Driver: "test", Spec: testSpec}, 0)
	assert.Error(t, err, "default policy fails on collision")

	s2, err := sink.New(h.core, &sink.NewData{
		Name:        "test",
		Driver:      "test",
		Spec:        testSpec,
		NameregFail: namereg.RenameOnCollision,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "test.1", s2.Name())
	assert.Equal(t, "test.1.monitor", s2.Monitor().Name())
}

func TestNewHookVetoRollsBack(t *testing.T) {
	h := newHarness(t)

	h.core.SinkNew.Connect(func(d *sink.NewData) hook.Result {
		if d.Name == "vetoed" {
			return hook.Veto
		}
		return hook.Continue
	})

	_, err := sink.New(h.core, &sink.NewData{Name: "vetoed", Driver: "test", Spec: testSpec}, 0)
	assert.ErrorIs(t, err, sink.ErrVetoed)

	// The veto released the name.
	_, err = h.core.RegisterSinkName("vetoed", nil, namereg.FailOnCollision)
	assert.NoError(t, err)
}

func TestFixateHookMutatesBuilder(t *testing.T) {
	h := newHarness(t)

	h.core.SinkFixate.Connect(func(d *sink.NewData) hook.Result {
		if d.Props == nil {
			d.Props = map[string]string{}
		}
		d.Props["module.author"] = "fixate"
		return hook.Continue
	})

	s, err := sink.New(h.core, &sink.NewData{Name: "fixated", Driver: "test", Spec: testSpec}, 0)
	require.NoError(t, err)
	assert.Equal(t, "fixate", s.Property("module.author"))
}

func TestPutTransitionsToIdle(t *testing.T) {
	h := newHarness(t)

	var events []subscribe.Event
	h.core.Subscriptions().Subscribe(func(e subscribe.Event) { events = append(events, e) })

	putFired := 0
	h.core.SinkPut.Connect(func(*sink.Sink) hook.Result { putFired++; return hook.Continue })

	require.Equal(t, sink.StateInit, h.s.State())
	h.s.Put()

	assert.Equal(t, sink.StateIdle, h.s.State())
	h.io(func() { assert.Equal(t, sink.StateIdle, h.s.ThreadState()) })
	assert.Equal(t, source.StateIdle, h.s.Monitor().State())
	assert.Equal(t, 1, putFired)
	require.Len(t, events, 1)
	assert.Equal(t, subscribe.EventNew, events[0].Type)

	// Software volume means the dB flag comes on automatically.
	assert.NotZero(t, h.s.Flags()&sink.FlagDecibelVolume)
}

func TestPutTwicePanics(t *testing.T) {
	h := newHarness(t)
	h.s.Put()
	assert.Panics(t, func() { h.s.Put() })
}

func TestUpdateStatusFollowsDemand(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	a := h.newFakeInput("a", 4096, 0)
	b := h.newFakeInput("b", 4096, 0)
	require.NoError(t, h.s.AttachInput(a.in))
	require.NoError(t, h.s.AttachInput(b.in))

	assert.Equal(t, sink.StateRunning, h.s.State())
	assert.Equal(t, 2, h.s.UsedBy())

	// One corked stream keeps the sink running.
	h.s.SetInputCorked(a.in, true)
	assert.Equal(t, sink.StateRunning, h.s.State())
	assert.Equal(t, 1, h.s.UsedBy())

	// All corked: no demand.
	h.s.SetInputCorked(b.in, true)
	assert.Equal(t, sink.StateIdle, h.s.State())
	assert.Equal(t, 0, h.s.UsedBy())

	h.s.SetInputCorked(a.in, false)
	assert.Equal(t, sink.StateRunning, h.s.State())
}

func TestSuspendRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	f := h.newFakeInput("stream", 4096, 0)
	require.NoError(t, h.s.AttachInput(f.in))
	require.Equal(t, sink.StateRunning, h.s.State())

	require.NoError(t, h.s.Suspend(true))
	assert.Equal(t, sink.StateSuspended, h.s.State())
	assert.Equal(t, []bool{true}, f.suspends)
	h.io(func() { assert.Equal(t, sink.StateSuspended, h.s.ThreadState()) })

	// Resume lands in RUNNING because demand exists.
	require.NoError(t, h.s.Suspend(false))
	assert.Equal(t, sink.StateRunning, h.s.State())
	assert.Equal(t, []bool{true, false}, f.suspends)

	// Without demand, resume lands in IDLE.
	h.s.SetInputCorked(f.in, true)
	require.NoError(t, h.s.Suspend(true))
	require.NoError(t, h.s.Suspend(false))
	assert.Equal(t, sink.StateIdle, h.s.State())
}

func TestDriverCanAbortStateChange(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	h.s.Ops.SetState = func(_ *sink.Sink, st sink.State) error {
		if st == sink.StateSuspended {
			return errors.New("device busy")
		}
		return nil
	}

	assert.Error(t, h.s.Suspend(true))
	assert.Equal(t, sink.StateIdle, h.s.State())
	h.io(func() { assert.Equal(t, sink.StateIdle, h.s.ThreadState()) })
}

func TestLinkedByCountsMonitorClientsUsedByDoesNot(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	f := h.newFakeInput("stream", 4096, 0)
	require.NoError(t, h.s.AttachInput(f.in))

	out := &source.Output{Index: 0}
	h.s.Monitor().AddOutput(out)

	assert.Equal(t, 2, h.s.LinkedBy())
	assert.Equal(t, 1, h.s.UsedBy())
	assert.True(t, h.s.LinkedBy() >= h.s.UsedBy())

	// A monitor client alone never pulls the sink out of IDLE.
	require.NoError(t, h.s.DetachInput(f.in))
	assert.Equal(t, sink.StateIdle, h.s.State())
	assert.Equal(t, 1, h.s.LinkedBy())
	assert.Equal(t, 0, h.s.UsedBy())
}

func TestSetVolumeRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	var events int
	h.core.Subscriptions().Subscribe(func(e subscribe.Event) {
		if e.Type == subscribe.EventChange {
			events++
		}
	})

	v := volume.New(2, 0.5)
	require.NoError(t, h.s.SetVolume(v))
	assert.True(t, h.s.GetVolume(false).Equal(v))
	assert.Equal(t, 1, events)

	// Same value again: no change event.
	require.NoError(t, h.s.SetVolume(v))
	assert.Equal(t, 1, events)

	// The IO side converged after the async post; a refreshing get
	// observes the soft volume the mixer now applies.
	assert.True(t, h.s.GetVolume(true).Equal(v))

	// Channel mismatch is rejected.
	assert.Error(t, h.s.SetVolume(volume.Reset(1)))
}

func TestSetMuteRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	require.NoError(t, h.s.SetMute(true))
	assert.True(t, h.s.GetMute(false))
	assert.True(t, h.s.GetMute(true))

	require.NoError(t, h.s.SetMute(false))
	assert.False(t, h.s.GetMute(true))
}

func TestSelfDisablingVolumeHook(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	calls := 0
	h.s.Ops.SetVolume = func(*sink.Sink) error {
		calls++
		return errors.New("hardware went away")
	}

	v := volume.New(2, 0.25)
	require.NoError(t, h.s.SetVolume(v))
	assert.Equal(t, 1, calls)
	assert.Nil(t, h.s.Ops.SetVolume, "a failing hook disables itself")

	// The same call already fell back to the software path.
	assert.True(t, h.s.GetVolume(true).Equal(v))

	// Later calls never consult the dead hook again.
	require.NoError(t, h.s.SetVolume(volume.New(2, 0.75)))
	assert.Equal(t, 1, calls)
}

func TestHardwareVolumeHookKeepsSoftwareUnity(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	var pushed volume.CVolume
	h.s.Ops.SetVolume = func(s *sink.Sink) error {
		pushed = s.Volume()
		return nil
	}

	v := volume.New(2, 0.5)
	require.NoError(t, h.s.SetVolume(v))
	assert.True(t, pushed.Equal(v))

	// Hardware took it; the mixer keeps running at unity, which is what
	// an IO-side refresh observes.
	assert.True(t, h.s.GetVolume(true).IsNorm())
}

func TestGetLatencyPaths(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	// Nobody can answer: zero.
	assert.Equal(t, time.Duration(0), h.s.GetLatency())

	// An IO-side clock answers through the message path.
	h.s.Ops.IOLatency = func(*sink.Sink) time.Duration { return 25 * time.Millisecond }
	assert.Equal(t, 25*time.Millisecond, h.s.GetLatency())

	// A control-side hook takes precedence.
	h.s.Ops.GetLatency = func(*sink.Sink) (time.Duration, error) { return 7 * time.Millisecond, nil }
	assert.Equal(t, 7*time.Millisecond, h.s.GetLatency())
}

func TestRequestedLatencyNegotiation(t *testing.T) {
	h := newHarness(t)
	h.s.SetLatencyRange(2*time.Millisecond, 100*time.Millisecond)
	h.s.Put()

	assert.Equal(t, sinkinput.LatencyUnset, h.s.GetRequestedLatency())

	a := h.newFakeInput("a", 4096, 0)
	a.in.RequestedSinkLatency = 50 * time.Millisecond
	b := h.newFakeInput("b", 4096, 0)
	b.in.RequestedSinkLatency = 10 * time.Millisecond
	c := h.newFakeInput("c", 4096, 0)

	require.NoError(t, h.s.AttachInput(a.in))
	require.NoError(t, h.s.AttachInput(b.in))
	require.NoError(t, h.s.AttachInput(c.in))

	// Minimum of those who care.
	assert.Equal(t, 10*time.Millisecond, h.s.GetRequestedLatency())

	// Clamped into the sink's range.
	h.io(func() {
		b.in.RequestedSinkLatency = time.Microsecond
		h.s.InvalidateRequestedLatency()
	})
	assert.Equal(t, 2*time.Millisecond, h.s.GetRequestedLatency())

	// Detaching the keen streams reverts to "whatever".
	require.NoError(t, h.s.DetachInput(a.in))
	require.NoError(t, h.s.DetachInput(b.in))
	assert.Equal(t, sinkinput.LatencyUnset, h.s.GetRequestedLatency())
}

func TestUnlinkIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	f := h.newFakeInput("doomed", 4096, 0)
	require.NoError(t, h.s.AttachInput(f.in))

	unlinks, posts, removes := 0, 0, 0
	h.core.SinkUnlink.Connect(func(*sink.Sink) hook.Result { unlinks++; return hook.Continue })
	h.core.SinkUnlinkPost.Connect(func(*sink.Sink) hook.Result { posts++; return hook.Continue })
	h.core.Subscriptions().Subscribe(func(e subscribe.Event) {
		if e.Type == subscribe.EventRemove {
			removes++
		}
	})

	h.s.Unlink()

	assert.Equal(t, sink.StateUnlinked, h.s.State())
	assert.Equal(t, 1, f.kills)
	assert.Equal(t, 0, h.s.InputCount())
	assert.Equal(t, source.StateUnlinked, h.s.Monitor().State())
	assert.Equal(t, 1, unlinks)
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, removes)

	// Second unlink: observable no-op.
	h.s.Unlink()
	assert.Equal(t, 1, unlinks)
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, removes)
}

func TestUnrefAfterUnlinkFrees(t *testing.T) {
	h := newHarness(t)
	h.s.Put()
	h.s.Unlink()
	h.s.Unref()
	assert.Panics(t, func() { h.s.Unref() })
}

func TestSetDescriptionSyncsMonitor(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	changed := 0
	h.core.SinkProplistChanged.Connect(func(*sink.Sink) hook.Result { changed++; return hook.Continue })

	h.s.SetDescription("Living Room Speakers")
	assert.Equal(t, "Living Room Speakers", h.s.Description())
	assert.Equal(t, "Monitor of Living Room Speakers", h.s.Monitor().Property("device.description"))
	assert.Equal(t, 1, changed)

	// Unchanged description: no event.
	h.s.SetDescription("Living Room Speakers")
	assert.Equal(t, 1, changed)
}

func TestDetachAttachCycleReachesStreams(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	f := h.newFakeInput("stream", 4096, 0)
	require.NoError(t, h.s.AttachInput(f.in))
	require.Equal(t, 1, f.attaches)

	require.NoError(t, h.s.Detach())
	assert.Equal(t, 1, f.detaches)

	require.NoError(t, h.s.Attach())
	assert.Equal(t, 2, f.attaches)
}

func TestAttachRejectsForeignSpec(t *testing.T) {
	h := newHarness(t)
	h.s.Put()

	in := sinkinput.New(h.core.NextIndex(), "weird", sample.Spec{
		Format:   sample.FormatS16LE,
		Rate:     48000,
		Channels: 2,
	})
	assert.Error(t, h.s.AttachInput(in))
}
