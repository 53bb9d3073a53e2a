package netdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/chorushall/chorus/internal/core"
	"github.com/chorushall/chorus/internal/rtpoll"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
)

const blockDuration = 20 * time.Millisecond

// A Driver is a sink whose "device" is a WebRTC peer: mixed output is
// μ-law encoded and published on a PCMU audio track. The peer
// connection's signalling (offer/answer exchange) is the caller's
// business; the driver renders into the track regardless of connection
// state, exactly like hardware keeps consuming whether or not anyone
// listens.
type Driver struct {
	logger *slog.Logger
	uuid   uuid.UUID

	sink *sink.Sink
	loop *rtpoll.Loop

	peer  *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	blockBytes int
	mulawBuf   []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a network sink on c and publishes it. PCMU carries 8 kHz
// mono; the spec must match so no hidden resampling happens here.
func New(c *core.Core, name string, spec sample.Spec, iceServers []string) (*Driver, error) {
	if spec.Format != sample.FormatS16LE || spec.Rate != 8000 || spec.Channels != 1 {
		return nil, fmt.Errorf("network sink %q needs s16le 8000Hz mono for PCMU, got %s", name, spec)
	}

	webrtcConfig := webrtc.Configuration{}
	if len(iceServers) > 0 {
		webrtcConfig.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	peer, err := webrtc.NewPeerConnection(webrtcConfig)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
		"audio",
		name,
	)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	rtpSender, err := peer.AddTrack(track)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}

	// Drain RTCP so interceptors keep working.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	id := uuid.New()
	d := &Driver{
		logger: slog.Default().With(
			"network sink", name,
			"driver uuid", id,
		),
		uuid:  id,
		peer:  peer,
		track: track,
		done:  make(chan struct{}),
	}

	peer.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		d.logger.Info("peer connection state change",
			"peer connection state", pcs.String(),
		)
	})

	props := proplist.New()
	props.Set(proplist.DeviceClass, "sound")
	props.Set(proplist.DeviceDescription, "WebRTC peer")

	s, err := sink.New(c, &sink.NewData{
		Name:   name,
		Driver: "webrtc",
		Module: d,
		Props:  props,
		Spec:   spec,
	}, sink.FlagNetwork)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("creating network sink: %w", err)
	}

	d.sink = s
	d.blockBytes = spec.DurationToBytes(blockDuration)
	d.mulawBuf = make([]byte, d.blockBytes/2)
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

// Peer exposes the peer connection for signalling.
func (d *Driver) Peer() *webrtc.PeerConnection {
	return d.peer
}

// Stop unlinks the sink and closes the peer connection.
func (d *Driver) Stop() error {
	d.sink.Unlink()
	d.cancel()
	<-d.done
	d.sink.Unref()
	return d.peer.Close()
}

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
		d.mulawBuf[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}

	err := d.track.WriteSample(media.Sample{
		Data:     d.mulawBuf[:samples],
		Duration: s.Spec().BytesToDuration(chunk.Length),
	})
	if err != nil {
		d.logger.Warn("dropping audio sample", "err", err)
	}
	return nil
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// linearToMulaw compresses one 16 bit linear sample into G.711 μ-law.
func linearToMulaw(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
