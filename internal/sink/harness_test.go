package sink_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chorushall/chorus/internal/core"
	"github.com/chorushall/chorus/internal/rtpoll"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

var testSpec = sample.Spec{Format: sample.FormatS16LE, Rate: 44100, Channels: 2}

// harness runs one sink on a real IO loop. The loop's handler lets
// tests execute arbitrary closures on the IO thread the same way a
// driver would do its work there.
type harness struct {
	t    *testing.T
	core *core.Core
	s    *sink.Sink
	loop *rtpoll.Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		core: core.New(0),
	}

	s, err := sink.New(h.core, &sink.NewData{
		Name:   "test",
		Driver: "test",
		Spec:   testSpec,
	}, 0)
	require.NoError(t, err)
	h.s = s
	h.startLoop(s)
	return h
}

// startLoop gives s an IO loop and runs it until the test ends.
func (h *harness) startLoop(s *sink.Sink) {
	loop := rtpoll.New(s.Name())
	s.SetIOLoop(loop)
	if s == h.s {
		h.loop = loop
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx, func(msg any) error {
			if f, ok := msg.(func() error); ok {
				return f()
			}
			return s.ProcessMessage(msg)
		}, 0, nil)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

// newSink builds and publishes a second sink on the same core, with its
// own IO loop.
func (h *harness) newSink(name string) *sink.Sink {
	s, err := sink.New(h.core, &sink.NewData{
		Name:   name,
		Driver: "test",
		Spec:   testSpec,
	}, 0)
	require.NoError(h.t, err)
	h.startLoop(s)
	s.Put()
	return s
}

// io runs f on the sink's IO thread and waits for it.
func (h *harness) io(f func()) {
	require.NoError(h.t, h.loop.Queue().Send(func() error {
		f()
		return nil
	}))
}

// ioOn runs f on another sink's IO thread.
func (h *harness) ioOn(s *sink.Sink, f func()) {
	require.NoError(h.t, s.IOLoop().Queue().Send(func() error {
		f()
		return nil
	}))
}

// A fakeInput is a scriptable stream: a block of patterned PCM it hands
// out on peek and counters for every contract callback.
type fakeInput struct {
	in    *sinkinput.SinkInput
	block *memblock.Block
	size  int
	pos   int
	vol   volume.CVolume

	// maxPeek bounds a single peek, 0 for unbounded.
	maxPeek int
	// failPeek makes every peek report "no data".
	failPeek bool

	dropped   int
	peeks     int
	attaches  int
	detaches  int
	kills     int
	rewinds   int
	rewoundBy int
	maxRewind int
	suspends  []bool
}

// newFakeInput builds a stream holding nbytes of the repeating 16 bit
// little endian sample value.
func (h *harness) newFakeInput(name string, nbytes int, sampleValue int16) *fakeInput {
	h.t.Helper()
	require.True(h.t, testSpec.IsFrameAligned(nbytes))

	block, err := h.core.Pool().NewBlock(nbytes)
	require.NoError(h.t, err)
	data := block.Bytes()
	for i := 0; i < len(data); i += 2 {
		data[i] = byte(uint16(sampleValue))
		data[i+1] = byte(uint16(sampleValue) >> 8)
	}

	f := &fakeInput{
		block: block,
		size:  nbytes,
		vol:   volume.Reset(testSpec.Channels),
	}

	in := sinkinput.New(h.core.NextIndex(), name, testSpec)
	return h.wireFakeInput(f, in)
}

var errUnderrun = errors.New("no data")

func (h *harness) wireFakeInput(f *fakeInput, in *sinkinput.SinkInput) *fakeInput {
	in.PeekFn = func(_ *sinkinput.SinkInput, length int) (memblock.Chunk, volume.CVolume, error) {
		f.peeks++
		if f.failPeek {
			return memblock.Chunk{}, volume.CVolume{}, errUnderrun
		}
		avail := f.size - f.pos
		if avail <= 0 {
			return memblock.Chunk{}, volume.CVolume{}, errUnderrun
		}
		if length > avail {
			length = avail
		}
		if f.maxPeek > 0 && length > f.maxPeek {
			length = f.maxPeek
		}
		return memblock.Chunk{Block: f.block.Ref(), Offset: f.pos, Length: length}, f.vol.Clone(), nil
	}
	in.DropFn = func(_ *sinkinput.SinkInput, n int) {
		f.pos += n
		f.dropped += n
	}
	in.ProcessRewindFn = func(_ *sinkinput.SinkInput, n int) {
		f.rewinds++
		f.rewoundBy += n
	}
	in.UpdateMaxRewindFn = func(_ *sinkinput.SinkInput, n int) {
		f.maxRewind = n
	}
	in.KillFn = func(in *sinkinput.SinkInput) {
		f.kills++
		_ = h.s.DetachInput(in)
	}
	in.AttachFn = func(*sinkinput.SinkInput) { f.attaches++ }
	in.DetachFn = func(*sinkinput.SinkInput) { f.detaches++ }
	in.SuspendFn = func(_ *sinkinput.SinkInput, suspended bool) {
		f.suspends = append(f.suspends, suspended)
	}
	f.in = in
	return f
}
