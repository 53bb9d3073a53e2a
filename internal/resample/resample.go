package resample

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/oov/audio/resampler"

	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

const (
	// Working buffer, in samples. 48000Hz stereo at 120ms is 11520
	// samples, so 2**14 covers anything a client hands over at once.
	bufferSize = 16384

	resampleQuality = 10
)

// An Input adapts a client stream whose format does not match its sink:
// channel up/down-mix and sample rate conversion happen here, on the
// client's writing goroutine, so the sink only ever sees its own spec.
// Rate conversion belongs to streams, never to sinks.
//
// Writers push source-format PCM in with Write; the embedded sink input
// peeks converted audio out of an internal queue on the sink's IO
// thread.
type Input struct {
	logger *slog.Logger

	in      *sinkinput.SinkInput
	srcSpec sample.Spec
	dstSpec sample.Spec

	conversions []conversionFunc

	mu     sync.Mutex
	pool   *memblock.Pool
	queue  *sinkinput.MemBlockQueue
	volume volume.CVolume
}

// conversionFunc transforms interleaved float32 samples. Many return a
// view of a reused buffer, so outputs must be consumed before the next
// call.
type conversionFunc func(src []float32) []float32

// New builds an adapter from srcSpec to dstSpec buffering at most
// bufferBytes of converted audio.
func New(pool *memblock.Pool, index uint32, name string, srcSpec, dstSpec sample.Spec, bufferBytes int) (*Input, error) {
	if !srcSpec.Valid() || !dstSpec.Valid() {
		return nil, fmt.Errorf("invalid specs for resampling input %q: %s -> %s", name, srcSpec, dstSpec)
	}
	if srcSpec.Channels > 2 || dstSpec.Channels > 2 {
		return nil, fmt.Errorf("resampling input %q supports mono and stereo only", name)
	}
	if bufferBytes <= 0 {
		// Two seconds of converted audio.
		bufferBytes = 2 * dstSpec.BytesPerSecond()
	}

	r := &Input{
		logger: slog.Default().With(
			"resampling input", name,
			"from", srcSpec.String(),
			"to", dstSpec.String(),
		),
		srcSpec: srcSpec,
		dstSpec: dstSpec,
		pool:    pool,
		queue:   sinkinput.NewMemBlockQueue(bufferBytes),
		volume:  volume.Reset(dstSpec.Channels),
	}

	if srcSpec.Channels == 1 && dstSpec.Channels == 2 {
		r.logger.Debug("adding mono to stereo")
		r.conversions = append(r.conversions, monoToStereo())
	}
	if srcSpec.Channels == 2 && dstSpec.Channels == 1 {
		r.logger.Debug("adding stereo to mono")
		r.conversions = append(r.conversions, stereoToMono())
	}
	if srcSpec.Rate != dstSpec.Rate {
		r.logger.Debug("adding resampler")
		r.conversions = append(r.conversions, newResampleFunc(dstSpec.Channels, srcSpec.Rate, dstSpec.Rate))
	}

	in := sinkinput.New(index, name, dstSpec)
	in.PeekFn = r.peek
	in.DropFn = r.drop
	r.in = in
	return r, nil
}

// SinkInput is the stream to attach to a sink.
func (r *Input) SinkInput() *sinkinput.SinkInput {
	return r.in
}

// SetVolume changes the per-stream volume reported with every peek.
func (r *Input) SetVolume(v volume.CVolume) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = v.Clone()
}

// Buffered is the number of converted bytes waiting for the sink.
func (r *Input) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Write converts source-format PCM and queues it for the sink. When the
// internal queue is full the whole write is refused with
// sinkinput.ErrQueueFull and nothing is queued; the client retries after
// the sink has drained some.
func (r *Input) Write(p []byte) (int, error) {
	if !r.srcSpec.IsFrameAligned(len(p)) {
		return 0, fmt.Errorf("write of %d bytes is not frame aligned for %s", len(p), r.srcSpec)
	}

	samples := decodeFloat32(p, r.srcSpec)
	for _, conv := range r.conversions {
		samples = conv(samples)
	}
	out := encode(samples, r.dstSpec)
	if len(out) == 0 {
		return len(p), nil
	}

	block, err := r.pool.NewBlock(len(out))
	if err != nil {
		return 0, err
	}
	copy(block.Bytes(), out)
	chunk := memblock.Chunk{Block: block, Length: len(out)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.queue.PushTail(chunk); err != nil {
		chunk.Unref()
		return 0, err
	}
	return len(p), nil
}

func (r *Input) peek(in *sinkinput.SinkInput, length int) (memblock.Chunk, volume.CVolume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, ok := r.queue.PeekHead()
	if !ok {
		return memblock.Chunk{}, volume.CVolume{}, fmt.Errorf("resampling input %q has no data", in.Name)
	}
	if head.Length > length {
		head.Length = length
	}
	return head.Ref(), r.volume.Clone(), nil
}

func (r *Input) drop(in *sinkinput.SinkInput, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Drop(n)
}

// --------------------------------------------------------------------------------
// Format conversion plumbing.

func decodeFloat32(p []byte, spec sample.Spec) []float32 {
	switch spec.Format {
	case sample.FormatF32LE:
		out := make([]float32, len(p)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
		}
		return out
	default:
		out := make([]float32, len(p)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(p[2*i:]))) / math.MaxInt16
		}
		return out
	}
}

func encode(samples []float32, spec sample.Spec) []byte {
	switch spec.Format {
	case sample.FormatF32LE:
		out := make([]byte, 4*len(samples))
		for i, s := range samples {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
		}
		return out
	default:
		out := make([]byte, 2*len(samples))
		for i, s := range samples {
			v := s * math.MaxInt16
			if v > math.MaxInt16 {
				v = math.MaxInt16
			}
			if v < math.MinInt16 {
				v = math.MinInt16
			}
			binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
		}
		return out
	}
}

func monoToStereo() conversionFunc {
	buf := make([]float32, bufferSize)
	return func(src []float32) []float32 {
		for i, v := range src {
			buf[2*i] = v
			buf[2*i+1] = v
		}
		return buf[:2*len(src)]
	}
}

func stereoToMono() conversionFunc {
	buf := make([]float32, bufferSize)
	return func(src []float32) []float32 {
		if len(src)%2 == 1 {
			src = src[:len(src)-1]
		}
		for i := 0; i < len(src)/2; i++ {
			buf[i] = (src[2*i] + src[2*i+1]) / 2
		}
		return buf[:len(src)/2]
	}
}

func newResampleFunc(channels, inRate, outRate int) conversionFunc {
	if channels == 1 {
		r := resampler.New(1, inRate, outRate, resampleQuality)
		buf := make([]float32, bufferSize)
		return func(src []float32) []float32 {
			_, written := r.ProcessFloat32(0, src, buf)
			return buf[:written]
		}
	}

	r := resampler.New(2, inRate, outRate, resampleQuality)
	leftSrc := make([]float32, bufferSize/2)
	rightSrc := make([]float32, bufferSize/2)
	leftDst := make([]float32, bufferSize/2)
	rightDst := make([]float32, bufferSize/2)
	buf := make([]float32, bufferSize)
	return func(src []float32) []float32 {
		if len(src)%2 == 1 {
			src = src[:len(src)-1]
		}
		n := len(src) / 2
		for i := 0; i < n; i++ {
			leftSrc[i] = src[2*i]
			rightSrc[i] = src[2*i+1]
		}
		_, written := r.ProcessFloat32(0, leftSrc[:n], leftDst)
		r.ProcessFloat32(1, rightSrc[:n], rightDst)
		for i := 0; i < written; i++ {
			buf[2*i] = leftDst[i]
			buf[2*i+1] = rightDst[i]
		}
		return buf[:2*written]
	}
}
