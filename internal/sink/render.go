package sink

import (
	"fmt"
	"os"
	"time"

	"github.com/chorushall/chorus/internal/mixer"
	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/volume"
)

// Everything in this file runs on the sink's IO thread.

// mixInfo is one stream's contribution to the current render: the
// peeked chunk (one reference owned by the info array), the stream's
// own volume, and the stream itself for the drop pass.
type mixInfo struct {
	chunk  memblock.Chunk
	volume volume.CVolume
	input  *sinkinput.SinkInput
}

// fillMixInfo peeks every attached stream for up to length bytes,
// narrowing length to the shortest chunk so all contributions line up.
// Streams with nothing to give are skipped for this cycle; chunks of
// pure silence are released and excluded. Returns the surviving entry
// count and the narrowed length.
func (s *Sink) fillMixInfo(length int, info []mixInfo) (int, int) {
	n := 0
	for _, in := range s.ti.inputs {
		if n >= len(info) {
			// The rest stay queued on their own side and get drained in
			// later cycles.
			break
		}
		chunk, vol, err := in.Peek(length)
		if err != nil {
			continue
		}
		if chunk.Length == 0 {
			continue
		}
		if chunk.Length < length {
			length = chunk.Length
		}
		if chunk.Block.IsSilence() {
			chunk.Unref()
			continue
		}
		info[n] = mixInfo{chunk: chunk, volume: vol, input: in}
		n++
	}
	return n, length
}

// inputsDrop advances every mixed stream past the rendered bytes and
// releases the references the info array holds. A rotating cursor into
// info keeps the match O(1) when iteration order equals mix order;
// entries whose input vanished mid-render are cleaned up in a final
// sweep.
func (s *Sink) inputsDrop(info []mixInfo, n int, length int) {
	unreffed := 0
	p := 0
	for _, in := range s.ti.inputs {
		var m *mixInfo
		for j := 0; j < n; j++ {
			if info[p].input == in {
				m = &info[p]
				break
			}
			p++
			if p >= n {
				p = 0
			}
		}
		if m == nil {
			continue
		}
		in.Drop(length)
		m.chunk.Unref()
		m.chunk = memblock.Chunk{}
		m.input = nil
		unreffed++
	}

	if unreffed < n {
		for j := 0; j < n; j++ {
			if info[j].input != nil {
				info[j].chunk.Unref()
				info[j] = mixInfo{}
			}
		}
	}
}

// checkRenderLength validates and normalizes a render request: zero
// selects a page-sized default, everything is frame aligned and capped
// at the allocator's maximum block size.
func (s *Sink) checkRenderLength(length int) int {
	if length < 0 || (length > 0 && !s.spec.IsFrameAligned(length)) {
		panic(fmt.Sprintf("sink %q: render length %d is not frame aligned", s.name, length))
	}
	if length == 0 {
		length = s.spec.FrameAlignDown(os.Getpagesize())
	}
	if max := s.spec.FrameAlignDown(s.core.Pool().BlockSizeMax()); length > max {
		length = max
	}
	return length
}

// Render mixes up to length bytes into a freshly referenced chunk. With
// no runnable streams the sink's cached silence is returned by
// reference; with exactly one stream at unity gain the stream's own
// chunk passes through untouched.
func (s *Sink) Render(length int) memblock.Chunk {
	length = s.checkRenderLength(length)

	var info [mixer.MaxStreams]mixInfo
	n := 0
	if s.ti.state == StateRunning {
		n, length = s.fillMixInfo(length, info[:])
	}

	var result memblock.Chunk
	switch {
	case n == 0:
		result = s.silence.Ref()
		if result.Length > length {
			result.Length = length
		}

	case n == 1:
		only := &info[0]
		result = only.chunk
		effective := volume.Multiply(s.ti.softVolume, only.volume)
		if s.ti.softMuted || !effective.IsNorm() {
			var err error
			result, err = result.MakeWritable(s.core.Pool())
			if err != nil {
				// The untouched chunk reference stays with info and is
				// released in the drop pass.
				result = s.silence.Ref()
				result.Length = length
				break
			}
			only.chunk = result
			if s.ti.softMuted || effective.IsMuted() {
				mixer.Silence(result.Bytes())
			} else {
				s.logger.Debug("adjusting volume in software", "volume", effective.String())
				mixer.ApplyVolume(result.Bytes(), s.spec, effective)
			}
		}
		// The caller gets its own reference; the info entry's is released
		// in the drop pass.
		result = result.Ref()

	default:
		block, err := s.core.Pool().NewBlock(length)
		if err != nil {
			// length was capped to the pool maximum already; anything
			// else is a programmer error.
			panic(fmt.Sprintf("sink %q: mix buffer allocation failed: %v", s.name, err))
		}
		streams := make([]mixer.Stream, n)
		for i := 0; i < n; i++ {
			streams[i] = mixer.Stream{Chunk: info[i].chunk, Volume: info[i].volume}
		}
		mixed := mixer.Mix(streams, block.Bytes(), s.spec, s.ti.softVolume, s.ti.softMuted)
		result = memblock.Chunk{Block: block, Length: mixed}
	}

	if s.ti.state == StateRunning {
		s.inputsDrop(info[:], n, result.Length)
	} else {
		for i := 0; i < n; i++ {
			info[i].chunk.Unref()
		}
	}

	if s.monitor.IsOpened() {
		s.monitor.Post(result)
	}

	return result
}

// RenderInto mixes directly into target, truncating target.Length to
// what one pass could line up. The caller's buffer receives final PCM
// with all volumes applied.
func (s *Sink) RenderInto(target *memblock.Chunk) {
	length := s.checkRenderLength(target.Length)
	if length > target.Length {
		length = target.Length
	}

	var info [mixer.MaxStreams]mixInfo
	n := 0
	if s.ti.state == StateRunning {
		n, length = s.fillMixInfo(length, info[:])
	}

	switch {
	case n == 0:
		target.Length = length
		mixer.Silence(target.Bytes())

	case n == 1:
		only := &info[0]
		if only.chunk.Length < length {
			length = only.chunk.Length
		}
		target.Length = length
		copy(target.Bytes(), only.chunk.Bytes()[:length])
		effective := volume.Multiply(s.ti.softVolume, only.volume)
		if s.ti.softMuted || effective.IsMuted() {
			mixer.Silence(target.Bytes())
		} else if !effective.IsNorm() {
			mixer.ApplyVolume(target.Bytes(), s.spec, effective)
		}

	default:
		target.Length = length
		streams := make([]mixer.Stream, n)
		for i := 0; i < n; i++ {
			streams[i] = mixer.Stream{Chunk: info[i].chunk, Volume: info[i].volume}
		}
		target.Length = mixer.Mix(streams, target.Bytes(), s.spec, s.ti.softVolume, s.ti.softMuted)
	}

	if s.ti.state == StateRunning {
		s.inputsDrop(info[:], n, target.Length)
	} else {
		for i := 0; i < n; i++ {
			info[i].chunk.Unref()
		}
	}

	if s.monitor.IsOpened() {
		s.monitor.Post(*target)
	}
}

// RenderIntoFull fills target completely, concatenating as many render
// passes as it takes.
func (s *Sink) RenderIntoFull(target *memblock.Chunk) {
	if !s.spec.IsFrameAligned(target.Length) {
		panic(fmt.Sprintf("sink %q: render length %d is not frame aligned", s.name, target.Length))
	}
	done := 0
	for done < target.Length {
		window := memblock.Chunk{
			Block:  target.Block,
			Offset: target.Offset + done,
			Length: target.Length - done,
		}
		s.RenderInto(&window)
		done += window.Length
	}
}

// RenderFull renders exactly length bytes into a fresh chunk.
func (s *Sink) RenderFull(length int) memblock.Chunk {
	length = s.checkRenderLength(length)
	block, err := s.core.Pool().NewBlock(length)
	if err != nil {
		panic(fmt.Sprintf("sink %q: render buffer allocation failed: %v", s.name, err))
	}
	result := memblock.Chunk{Block: block, Length: length}
	s.RenderIntoFull(&result)
	return result
}

// Skip discards length bytes of playback. While the monitor has
// consumers the audio still has to be rendered so their capture stream
// stays correct; otherwise the mixer is bypassed and every stream just
// drops the bytes.
func (s *Sink) Skip(length int) {
	if !s.spec.IsFrameAligned(length) {
		panic(fmt.Sprintf("sink %q: skip length %d is not frame aligned", s.name, length))
	}

	if s.monitor.LinkedBy() > 0 {
		for length > 0 {
			chunk := s.Render(length)
			if chunk.Length == 0 {
				chunk.Unref()
				break
			}
			length -= chunk.Length
			chunk.Unref()
		}
		return
	}

	for _, in := range s.ti.inputs {
		in.Drop(length)
	}
}

// ProcessRewind reacts to the driver rewinding its buffer by nbytes:
// every attached stream and the monitor invalidate that much of their
// history. Resets the pending rewind request.
func (s *Sink) ProcessRewind(nbytes int) {
	s.ti.rewindNBytes = 0
	if nbytes == 0 {
		return
	}
	for _, in := range s.ti.inputs {
		in.ProcessRewind(nbytes)
	}
	if s.monitor.IsOpened() {
		s.monitor.ProcessRewind(nbytes)
	}
}

// RequestRewind latches a rewind request for the driver's next cycle.
// Zero means "as much as possible" (a remix from the current position).
// Requests only grow within a cycle; the driver consumes the latched
// value via PendingRewind and ProcessRewind.
func (s *Sink) RequestRewind(nbytes int) {
	if nbytes == 0 || nbytes > s.ti.maxRewind {
		nbytes = s.ti.maxRewind
	}
	if nbytes > s.ti.rewindNBytes {
		s.ti.rewindNBytes = nbytes
	}
	if s.Ops.RequestRewind != nil {
		s.Ops.RequestRewind(s)
	}
}

// PendingRewind is the currently latched rewind request.
func (s *Sink) PendingRewind() int {
	return s.ti.rewindNBytes
}

// SetMaxRewind publishes the driver's rewind window to every attached
// stream and the monitor.
func (s *Sink) SetMaxRewind(nbytes int) {
	if s.ti.maxRewind == nbytes {
		return
	}
	s.ti.maxRewind = nbytes
	for _, in := range s.ti.inputs {
		in.UpdateMaxRewind(nbytes)
	}
	s.monitor.SetMaxRewind(nbytes)
}

// MaxRewind is the current rewind window.
func (s *Sink) MaxRewind() int {
	return s.ti.maxRewind
}

// ThreadState is the IO-side view of the sink state.
func (s *Sink) ThreadState() State {
	return s.ti.state
}

// ThreadRequestedLatency computes (and caches) the clamped minimum of
// the attached streams' latency wishes.
func (s *Sink) ThreadRequestedLatency() time.Duration {
	if s.ti.requestedLatencyValid {
		return s.ti.requestedLatency
	}

	result := sinkinput.LatencyUnset
	for _, in := range s.ti.inputs {
		if in.RequestedSinkLatency == sinkinput.LatencyUnset {
			continue
		}
		if result == sinkinput.LatencyUnset || in.RequestedSinkLatency < result {
			result = in.RequestedSinkLatency
		}
	}
	if result != sinkinput.LatencyUnset {
		if result < s.minLatency {
			result = s.minLatency
		}
		if result > s.maxLatency {
			result = s.maxLatency
		}
	}

	s.ti.requestedLatency = result
	s.ti.requestedLatencyValid = true
	return result
}

// invalidateRequestedLatency clears the cache and lets the driver react.
func (s *Sink) invalidateRequestedLatency() {
	s.ti.requestedLatencyValid = false
	if s.Ops.UpdateRequestedLatency != nil {
		s.Ops.UpdateRequestedLatency(s)
	}
}

// InvalidateRequestedLatency is the exported entry point for streams
// changing their latency wish while attached. IO thread only.
func (s *Sink) InvalidateRequestedLatency() {
	s.invalidateRequestedLatency()
}
