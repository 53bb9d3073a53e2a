package nulldriver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chorushall/chorus/internal/core"
	"github.com/chorushall/chorus/internal/rtpoll"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
)

const defaultBlockDuration = 20 * time.Millisecond

// A Driver is a clocked sink without a device behind it: rendered audio
// is paced against the wall clock and discarded. It is the reference
// implementation of the driver contract and the sink most tests and
// headless deployments use.
type Driver struct {
	logger *slog.Logger
	uuid   uuid.UUID

	sink *sink.Sink
	loop *rtpoll.Loop

	blockDuration time.Duration
	blockBytes    int

	// IO-side playback clock simulation.
	playedUntil time.Time
	started     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a null sink on c and publishes it. The returned driver is
// already running; Stop tears it down.
func New(c *core.Core, name string, spec sample.Spec) (*Driver, error) {
	id := uuid.New()
	d := &Driver{
		logger: slog.Default().With(
			"null sink", name,
			"driver uuid", id,
		),
		uuid:          id,
		blockDuration: defaultBlockDuration,
		done:          make(chan struct{}),
	}

	props := proplist.New()
	props.Set(proplist.DeviceClass, "abstract")
	props.Set(proplist.DeviceDescription, "Null Output")

	s, err := sink.New(c, &sink.NewData{
		Name:   name,
		Driver: "null",
		Module: d,
		Props:  props,
		Spec:   spec,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating null sink: %w", err)
	}

	d.sink = s
	d.blockBytes = spec.DurationToBytes(d.blockDuration)
	d.loop = rtpoll.New(name)
	s.SetIOLoop(d.loop)
	s.Ops = sink.DriverOps{
		IOLatency: d.ioLatency,
	}
	s.SetLatencyRange(sink.DefaultMinLatency, 2*d.blockDuration)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		d.loop.Run(ctx, s.ProcessMessage, d.blockDuration, d.process)
	}()

	s.Put()
	return d, nil
}

// Sink is the published sink object.
func (d *Driver) Sink() *sink.Sink {
	return d.sink
}

// Stop unlinks the sink and shuts the IO loop down.
func (d *Driver) Stop() {
	d.sink.Unlink()
	d.cancel()
	<-d.done
	d.sink.Unref()
}

// process is one IO cycle: honor any latched rewind, then render one
// block and let the wall clock consume it.
func (d *Driver) process() error {
	s := d.sink

	if !d.started {
		// A null device can "rewind" its whole imaginary buffer.
		s.SetMaxRewind(2 * d.blockBytes)
		d.playedUntil = time.Now()
		d.started = true
	}

	if pending := s.PendingRewind(); pending > 0 {
		s.ProcessRewind(pending)
	}

	if s.ThreadState() != sink.StateRunning {
		d.playedUntil = time.Now()
		return nil
	}

	chunk := s.Render(d.blockBytes)
	d.playedUntil = d.playedUntil.Add(s.Spec().BytesToDuration(chunk.Length))
	if now := time.Now(); d.playedUntil.Before(now) {
		d.playedUntil = now
	}
	chunk.Unref()
	return nil
}

// ioLatency is how much rendered audio the imaginary device still has
// to play.
func (d *Driver) ioLatency(_ *sink.Sink) time.Duration {
	if !d.started {
		return 0
	}
	lat := time.Until(d.playedUntil)
	if lat < 0 {
		return 0
	}
	return lat
}
