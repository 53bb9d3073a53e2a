package sink

import (
	"fmt"
	"time"

	"github.com/chorushall/chorus/internal/mixer"
	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/internal/subscribe"
	"github.com/chorushall/chorus/pkg/volume"
)

// The message protocol between the control side and the IO thread. Each
// type below is one request; synchronous requests carry out-pointers the
// IO thread fills before the sender wakes up.
type (
	msgAddInput    struct{ in *sinkinput.SinkInput }
	msgRemoveInput struct{ in *sinkinput.SinkInput }

	// msgRemoveInputAndBuffer moves a stream away while preserving its
	// in-flight audio: the IO thread buffers up to bufferBytes of the
	// departing stream into q and installs q on the ghost left behind.
	msgRemoveInputAndBuffer struct {
		in          *sinkinput.SinkInput
		ghost       *sinkinput.Ghost
		q           *sinkinput.MemBlockQueue
		bufferBytes int
	}

	msgSetState struct{ state State }

	msgSetVolume struct{ volume volume.CVolume }
	msgSetMute   struct{ muted bool }

	msgGetVolume           struct{ out *volume.CVolume }
	msgGetMute             struct{ out *bool }
	msgGetLatency          struct{ out *time.Duration }
	msgGetRequestedLatency struct{ out *time.Duration }

	msgDetach struct{}
	msgAttach struct{}
)

// ProcessMessage executes one queued request on the IO thread. Drivers
// wrapping this handler intercept their own message types first and
// delegate the rest here.
func (s *Sink) ProcessMessage(msg any) error {
	switch m := msg.(type) {
	case msgAddInput:
		s.ioAddInput(m.in)
		return nil

	case msgRemoveInput:
		s.ioRemoveInput(m.in)
		return nil

	case msgRemoveInputAndBuffer:
		s.ioRemoveInputAndBuffer(m)
		return nil

	case msgSetState:
		s.ti.state = m.state
		return nil

	case msgSetVolume:
		s.ti.softVolume = m.volume
		// Already-prefilled audio still carries the old gain; ask the
		// driver to rewind so the change is heard sooner.
		s.RequestRewind(0)
		return nil

	case msgSetMute:
		s.ti.softMuted = m.muted
		s.RequestRewind(0)
		return nil

	case msgGetVolume:
		*m.out = s.ti.softVolume.Clone()
		return nil

	case msgGetMute:
		*m.out = s.ti.softMuted
		return nil

	case msgGetLatency:
		// The sink itself has no clock; a driver answers through its
		// IO-side hook or not at all.
		if s.Ops.IOLatency != nil {
			*m.out = s.Ops.IOLatency(s)
		} else {
			*m.out = 0
		}
		return nil

	case msgGetRequestedLatency:
		*m.out = s.ThreadRequestedLatency()
		return nil

	case msgDetach:
		for _, in := range s.ti.inputs {
			if in.ThreadInfo.Attached {
				in.Detach()
			}
		}
		s.monitor.Detach()
		return nil

	case msgAttach:
		for _, in := range s.ti.inputs {
			if !in.ThreadInfo.Attached {
				in.Attach()
			}
		}
		s.monitor.Attach()
		return nil
	}
	return fmt.Errorf("sink %q: unknown message %T", s.name, msg)
}

func (s *Sink) ioAddInput(in *sinkinput.SinkInput) {
	s.ti.inputs[in.Index] = in

	// Mirror the control-side sync chain into the IO-side twins.
	if in.SyncPrev != nil {
		in.ThreadInfo.SyncPrev = in.SyncPrev
		in.SyncPrev.ThreadInfo.SyncNext = in
	} else {
		in.ThreadInfo.SyncPrev = nil
	}
	if in.SyncNext != nil {
		in.ThreadInfo.SyncNext = in.SyncNext
		in.SyncNext.ThreadInfo.SyncPrev = in
	} else {
		in.ThreadInfo.SyncNext = nil
	}

	in.UpdateMaxRewind(s.ti.maxRewind)
	in.Attach()

	s.invalidateRequestedLatency()

	// The new stream has no playback history; a rewind right now would
	// ask it to regenerate audio it never produced.
	in.ThreadInfo.IgnoreRewind = true
	in.ThreadInfo.SinceUnderrun = 0
	s.RequestRewind(0)
}

func (s *Sink) ioRemoveInput(in *sinkinput.SinkInput) {
	if in.ThreadInfo.Attached {
		in.Detach()
	}

	// The control-side unlinker repatches the sync chain, both views,
	// before this message is sent.
	if in.ThreadInfo.SyncPrev != nil || in.ThreadInfo.SyncNext != nil {
		panic(fmt.Sprintf("sink %q: removing input %q with live sync pointers", s.name, in.Name))
	}

	delete(s.ti.inputs, in.Index)

	s.invalidateRequestedLatency()
	s.RequestRewind(0)
}

func (s *Sink) ioRemoveInputAndBuffer(m msgRemoveInputAndBuffer) {
	in, ghost, q := m.in, m.ghost, m.q

	if in.ThreadInfo.SyncPrev != nil || in.ThreadInfo.SyncNext != nil {
		panic(fmt.Sprintf("sink %q: moving synchronized input %q", s.name, in.Name))
	}

	if in.ThreadInfo.Attached {
		in.Detach()
	}

	// Buffer what the stream had ready, with its own volume burnt in so
	// the ghost can play it back at unity.
	remaining := m.bufferBytes
	for remaining > 0 {
		chunk, vol, err := in.Peek(remaining)
		if err != nil || chunk.Length == 0 {
			break
		}
		if !vol.IsNorm() {
			w, werr := chunk.MakeWritable(s.core.Pool())
			if werr != nil {
				chunk.Unref()
				break
			}
			chunk = w
			mixer.ApplyVolume(chunk.Bytes(), s.spec, vol)
		}
		n := chunk.Length
		if err := q.PushTail(chunk); err != nil {
			chunk.Unref()
			break
		}
		in.Drop(n)
		remaining -= n
	}

	// Whatever the stream had already rendered towards us follows the
	// buffered audio.
	if rq := in.ThreadInfo.RenderQueue; rq != nil {
		q.Splice(rq)
	}

	ghost.InstallQueue(q)

	delete(s.ti.inputs, in.Index)

	gin := ghost.Input
	s.ti.inputs[gin.Index] = gin
	gin.ThreadInfo.SyncPrev = nil
	gin.ThreadInfo.SyncNext = nil
	gin.UpdateMaxRewind(s.ti.maxRewind)
	gin.Attach()
	gin.ThreadInfo.IgnoreRewind = true
	gin.ThreadInfo.SinceUnderrun = 0

	s.invalidateRequestedLatency()
	s.RequestRewind(0)
}

// AttachInput wires a stream to this sink: control-side containers
// first, then a synchronous handoff to the IO thread. The stream starts
// contributing on the IO thread's next render.
func (s *Sink) AttachInput(in *sinkinput.SinkInput) error {
	if s.state == StateInit || s.state == StateUnlinked {
		return fmt.Errorf("cannot attach input to sink %q in state %s", s.name, s.state)
	}
	if !in.Spec.Equal(s.spec) {
		return fmt.Errorf("input %q spec %s does not match sink %q spec %s (resample before attaching)",
			in.Name, in.Spec, s.name, s.spec)
	}

	s.inputs.Put(in.Index, in)
	if in.Corked {
		s.nCorked++
	}

	if err := s.queue.Queue().Send(msgAddInput{in: in}); err != nil {
		s.inputs.Delete(in.Index)
		if in.Corked {
			s.nCorked--
		}
		return err
	}

	s.UpdateStatus()
	s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	return nil
}

// DetachInput unwires a stream: sync chain repatched, IO thread told,
// control containers updated.
func (s *Sink) DetachInput(in *sinkinput.SinkInput) error {
	if _, ok := s.inputs.Get(in.Index); !ok {
		return fmt.Errorf("input %q is not attached to sink %q", in.Name, s.name)
	}

	// Repatch the sync chain out from under the departing input, both
	// views; the IO-side remove handler asserts this already happened.
	if in.SyncPrev != nil {
		in.SyncPrev.SyncNext = in.SyncNext
		in.SyncPrev.ThreadInfo.SyncNext = in.ThreadInfo.SyncNext
	}
	if in.SyncNext != nil {
		in.SyncNext.SyncPrev = in.SyncPrev
		in.SyncNext.ThreadInfo.SyncPrev = in.ThreadInfo.SyncPrev
	}
	in.SyncPrev, in.SyncNext = nil, nil
	in.ThreadInfo.SyncPrev, in.ThreadInfo.SyncNext = nil, nil

	err := s.queue.Queue().Send(msgRemoveInput{in: in})

	s.inputs.Delete(in.Index)
	if in.Corked {
		s.nCorked--
	}

	s.UpdateStatus()
	s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	return err
}

// EvictInputWithBuffer starts a stream move: the stream leaves this sink
// but its in-flight audio keeps playing here through a ghost input until
// drained. Returns the ghost so the caller can kill it when the move
// completes or the buffer runs dry. Synchronized streams cannot move.
func (s *Sink) EvictInputWithBuffer(in *sinkinput.SinkInput, bufferBytes int) (*sinkinput.Ghost, error) {
	if _, ok := s.inputs.Get(in.Index); !ok {
		return nil, fmt.Errorf("input %q is not attached to sink %q", in.Name, s.name)
	}
	if in.IsSynchronized() {
		return nil, fmt.Errorf("input %q belongs to a sync group and cannot be moved", in.Name)
	}
	if bufferBytes <= 0 || !s.spec.IsFrameAligned(bufferBytes) {
		return nil, fmt.Errorf("move buffer of %d bytes is not frame aligned for sink %q", bufferBytes, s.name)
	}

	ghost := sinkinput.NewGhost(s.core.NextIndex(), in)
	gin := ghost.Input
	gin.KillFn = func(g *sinkinput.SinkInput) {
		_ = s.DetachInput(g)
	}
	q := sinkinput.NewMemBlockQueue(bufferBytes)

	err := s.queue.Queue().Send(msgRemoveInputAndBuffer{
		in:          in,
		ghost:       ghost,
		q:           q,
		bufferBytes: bufferBytes,
	})
	if err != nil {
		return nil, err
	}

	s.inputs.Delete(in.Index)
	if in.Corked {
		s.nCorked--
	}
	s.inputs.Put(gin.Index, gin)

	s.UpdateStatus()
	s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	return ghost, nil
}

// SetInputCorked records a stream's cork toggle and re-evaluates
// IDLE/RUNNING.
func (s *Sink) SetInputCorked(in *sinkinput.SinkInput, corked bool) {
	if in.Corked == corked {
		return
	}
	in.Corked = corked
	if corked {
		s.nCorked++
	} else {
		s.nCorked--
	}
	if s.nCorked < 0 || s.nCorked > s.inputs.Len() {
		panic(fmt.Sprintf("sink %q: corked count %d out of range [0, %d]", s.name, s.nCorked, s.inputs.Len()))
	}
	s.UpdateStatus()
}

// Detach suspends the IO-side machinery of every attached stream and the
// monitor, so the driver can swap its queue or poll loop without
// destroying streams. Synchronous.
func (s *Sink) Detach() error {
	return s.queue.Queue().Send(msgDetach{})
}

// Attach is the inverse of Detach.
func (s *Sink) Attach() error {
	return s.queue.Queue().Send(msgAttach{})
}
