package wavdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/chorushall/chorus/internal/core"
	"github.com/chorushall/chorus/internal/rtpoll"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
)

const blockDuration = 20 * time.Millisecond

// A Driver is a sink whose "device" is a WAV file: mixed output is
// paced against the wall clock and appended to the file. Useful for
// recording a mix and for exercising the driver contract against
// something observable.
type Driver struct {
	logger *slog.Logger
	uuid   uuid.UUID

	sink *sink.Sink
	loop *rtpoll.Loop

	file    *os.File
	encoder *wav.Encoder

	blockBytes int
	intBuf     *goaudio.IntBuffer

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a WAV file sink on c and publishes it. Only S16LE specs
// can be encoded.
func New(c *core.Core, name, path string, spec sample.Spec) (*Driver, error) {
	if spec.Format != sample.FormatS16LE {
		return nil, fmt.Errorf("wav sink %q needs an s16le spec, got %s", name, spec)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating wav file: %w", err)
	}

	id := uuid.New()
	d := &Driver{
		logger: slog.Default().With(
			"wav sink", name,
			"path", path,
			"driver uuid", id,
		),
		uuid:    id,
		file:    f,
		encoder: wav.NewEncoder(f, spec.Rate, 16, spec.Channels, 1),
		done:    make(chan struct{}),
	}

	props := proplist.New()
	props.Set(proplist.DeviceClass, "file")
	props.Set(proplist.DeviceString, path)
	props.Set(proplist.DeviceDescription, fmt.Sprintf("WAV file %s", path))

	s, err := sink.New(c, &sink.NewData{
		Name:   name,
		Driver: "wav",
		Module: d,
		Props:  props,
		Spec:   spec,
	}, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("creating wav sink: %w", err)
	}

	d.sink = s
	d.blockBytes = spec.DurationToBytes(blockDuration)
	d.intBuf = &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: spec.Channels,
			SampleRate:  spec.Rate,
		},
		SourceBitDepth: 16,
		Data:           make([]int, d.blockBytes/spec.Format.Size()),
	}
	d.loop = rtpoll.New(name)
	s.SetIOLoop(d.loop)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		d.loop.Run(ctx, s.ProcessMessage, blockDuration, d.process)
	}()

	s.Put()
	return d, nil
}

// Sink is the published sink object.
func (d *Driver) Sink() *sink.Sink {
	return d.sink
}

// Stop unlinks the sink, finalizes the WAV header and closes the file.
func (d *Driver) Stop() error {
	d.sink.Unlink()
	d.cancel()
	<-d.done
	d.sink.Unref()

	if err := d.encoder.Close(); err != nil {
		d.file.Close()
		return fmt.Errorf("finalizing wav file: %w", err)
	}
	return d.file.Close()
}

// process is one IO cycle: honor any latched rewind, render a block and
// encode it. A file cannot take back written bytes, so rewinds only
// reset upstream state.
func (d *Driver) process() error {
	s := d.sink

	if pending := s.PendingRewind(); pending > 0 {
		s.ProcessRewind(pending)
	}

	if s.ThreadState() != sink.StateRunning {
		return nil
	}

	chunk := s.Render(d.blockBytes)
	defer chunk.Unref()

	data := chunk.Bytes()
	samples := len(data) / 2
	for i := 0; i < samples; i++ {
		d.intBuf.Data[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	d.intBuf.Data = d.intBuf.Data[:samples]
	if err := d.encoder.Write(d.intBuf); err != nil {
		return fmt.Errorf("encoding wav block: %w", err)
	}
	d.intBuf.Data = d.intBuf.Data[:cap(d.intBuf.Data)]
	return nil
}
