package mixer

import (
	"encoding/binary"
	"math"

	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

// MaxStreams is the most streams a single mix call will combine.
// Callers with more runnable streams leave the excess for later cycles.
const MaxStreams = 32

// A Stream is one weighted contribution to a mix: a chunk of PCM and the
// per-channel gain to scale it by.
type Stream struct {
	Chunk  memblock.Chunk
	Volume volume.CVolume
}

// Mix combines up to MaxStreams streams into target, scaling each stream
// by its own volume and the whole mix by vol (or silencing it entirely
// when muted). All chunks must be at least len(target) long and frame
// aligned to spec. Returns the number of bytes written, which is
// len(target) truncated to a whole frame.
//
// Samples accumulate in a wide intermediate and saturate at the format's
// limits on the way out.
func Mix(streams []Stream, target []byte, spec sample.Spec, vol volume.CVolume, muted bool) int {
	length := spec.FrameAlignDown(len(target))
	if length == 0 {
		return 0
	}
	if muted || vol.IsMuted() || len(streams) == 0 {
		Silence(target[:length])
		return length
	}
	if len(streams) > MaxStreams {
		streams = streams[:MaxStreams]
	}

	switch spec.Format {
	case sample.FormatS16LE:
		mixS16LE(streams, target[:length], spec, vol)
	case sample.FormatF32LE:
		mixF32LE(streams, target[:length], spec, vol)
	default:
		Silence(target[:length])
	}
	return length
}

func mixS16LE(streams []Stream, target []byte, spec sample.Spec, vol volume.CVolume) {
	channels := spec.Channels
	frames := len(target) / spec.FrameSize()
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * 2
			var acc int64
			for i := range streams {
				st := &streams[i]
				s := int16(binary.LittleEndian.Uint16(st.Chunk.Bytes()[off:]))
				acc += int64(float64(s) * float64(st.Volume.Values[ch]))
			}
			acc = int64(float64(acc) * float64(vol.Values[ch]))
			binary.LittleEndian.PutUint16(target[off:], uint16(saturateS16(acc)))
		}
	}
}

func mixF32LE(streams []Stream, target []byte, spec sample.Spec, vol volume.CVolume) {
	channels := spec.Channels
	frames := len(target) / spec.FrameSize()
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * 4
			var acc float64
			for i := range streams {
				st := &streams[i]
				s := math.Float32frombits(binary.LittleEndian.Uint32(st.Chunk.Bytes()[off:]))
				acc += float64(s) * float64(st.Volume.Values[ch])
			}
			acc *= float64(vol.Values[ch])
			binary.LittleEndian.PutUint32(target[off:], math.Float32bits(saturateF32(acc)))
		}
	}
}

func saturateS16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func saturateF32(v float64) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return float32(v)
}

// ApplyVolume scales PCM in place by a per-channel gain. data must be
// frame aligned to spec.
func ApplyVolume(data []byte, spec sample.Spec, vol volume.CVolume) {
	if vol.IsNorm() {
		return
	}
	if vol.IsMuted() {
		Silence(data)
		return
	}
	channels := spec.Channels
	frames := len(data) / spec.FrameSize()
	switch spec.Format {
	case sample.FormatS16LE:
		for f := 0; f < frames; f++ {
			for ch := 0; ch < channels; ch++ {
				off := (f*channels + ch) * 2
				s := int16(binary.LittleEndian.Uint16(data[off:]))
				scaled := int64(float64(s) * float64(vol.Values[ch]))
				binary.LittleEndian.PutUint16(data[off:], uint16(saturateS16(scaled)))
			}
		}
	case sample.FormatF32LE:
		for f := 0; f < frames; f++ {
			for ch := 0; ch < channels; ch++ {
				off := (f*channels + ch) * 4
				s := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				scaled := float64(s) * float64(vol.Values[ch])
				binary.LittleEndian.PutUint32(data[off:], math.Float32bits(saturateF32(scaled)))
			}
		}
	}
}

// Silence zeroes a PCM buffer. Both supported formats encode silence as
// zero bytes.
func Silence(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
