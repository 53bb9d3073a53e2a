package sinkinput

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

// LatencyUnset marks a stream that never asked for a particular sink
// latency.
const LatencyUnset = time.Duration(-1)

// A SinkInput is one client stream feeding a sink. The stream's owner
// (protocol handler, ghost buffer, test fixture) supplies the behavior
// through the callback fields; the sink only ever drives the contract.
//
// Ownership is split the same way as the sink itself: the exported
// control-side fields belong to the control thread, ThreadInfo belongs
// to the IO thread of whatever sink the input is attached to, and the
// two meet only through the sink's message protocol.
type SinkInput struct {
	Logger *slog.Logger

	Index  uint32
	Name   string
	Client uuid.UUID
	Props  proplist.Proplist
	Spec   sample.Spec

	// Corked is the control-side pause flag. The owning sink counts
	// corked inputs to decide between IDLE and RUNNING.
	Corked bool

	// SyncPrev and SyncNext chain inputs that must be mixed with
	// identical timing. The control side maintains this pair; the IO
	// side keeps its own copy in ThreadInfo.
	SyncPrev, SyncNext *SinkInput

	// RequestedSinkLatency is this stream's preferred sink latency, or
	// LatencyUnset.
	RequestedSinkLatency time.Duration

	// PeekFn returns the next chunk of at most length bytes together
	// with the per-channel volume to weigh it by. An error means "no
	// data right now" and skips the stream for this render cycle. The
	// sink owns the returned chunk reference.
	PeekFn func(in *SinkInput, length int) (memblock.Chunk, volume.CVolume, error)
	// DropFn advances the stream's read pointer past n bytes.
	DropFn func(in *SinkInput, n int)
	// ProcessRewindFn tells the stream n bytes it already handed over
	// have been invalidated downstream.
	ProcessRewindFn func(in *SinkInput, n int)
	// UpdateMaxRewindFn announces the sink's new rewind window.
	UpdateMaxRewindFn func(in *SinkInput, n int)
	// KillFn forcibly terminates the stream. It must detach the input
	// from its sink before returning.
	KillFn func(in *SinkInput)

	// Optional lifecycle callbacks, invoked on the IO thread.
	AttachFn func(in *SinkInput)
	DetachFn func(in *SinkInput)
	// SuspendFn, invoked on the control thread on suspend changes.
	SuspendFn func(in *SinkInput, suspended bool)

	ThreadInfo ThreadInfo
}

// ThreadInfo is the IO-side view of a sink input, touched only by the IO
// thread of the sink it is attached to.
type ThreadInfo struct {
	Attached bool

	SyncPrev, SyncNext *SinkInput

	// IgnoreRewind suppresses the next rewind delegation; set when the
	// input has just been attached and has no playback history to
	// invalidate.
	IgnoreRewind  bool
	SinceUnderrun int64

	// RenderQueue buffers already-rendered chunks on the stream's way to
	// the sink; its remains are spliced onto a ghost's queue when the
	// stream moves away.
	RenderQueue *MemBlockQueue
}

// New returns a sink input with identity filled in and everything else
// at its zero behavior. Callers set the callbacks they implement.
func New(index uint32, name string, spec sample.Spec) *SinkInput {
	client := uuid.New()
	return &SinkInput{
		Logger: slog.Default().With(
			"sink input", name,
			"index", index,
			"client", client,
		),
		Index:                index,
		Name:                 name,
		Client:               client,
		Props:                proplist.New(),
		Spec:                 spec,
		RequestedSinkLatency: LatencyUnset,
	}
}

// IsSynchronized reports whether this input belongs to a sync group.
// Synchronized inputs cannot be moved between sinks.
func (in *SinkInput) IsSynchronized() bool {
	return in.SyncPrev != nil || in.SyncNext != nil
}

// Peek invokes the stream's PeekFn.
func (in *SinkInput) Peek(length int) (memblock.Chunk, volume.CVolume, error) {
	return in.PeekFn(in, length)
}

// Drop invokes the stream's DropFn, tracking bytes consumed since the
// last underrun.
func (in *SinkInput) Drop(n int) {
	in.ThreadInfo.SinceUnderrun += int64(n)
	in.DropFn(in, n)
}

// ProcessRewind delegates a downstream rewind, honoring the one-shot
// ignore flag set at attach time.
func (in *SinkInput) ProcessRewind(n int) {
	if in.ThreadInfo.IgnoreRewind {
		in.ThreadInfo.IgnoreRewind = false
		return
	}
	if in.ProcessRewindFn != nil {
		in.ProcessRewindFn(in, n)
	}
}

// UpdateMaxRewind forwards the sink's rewind window, if the stream cares.
func (in *SinkInput) UpdateMaxRewind(n int) {
	if in.UpdateMaxRewindFn != nil {
		in.UpdateMaxRewindFn(in, n)
	}
}

// Kill forcibly terminates the stream.
func (in *SinkInput) Kill() {
	if in.KillFn != nil {
		in.KillFn(in)
	}
}

// Attach marks the input attached on the IO side and notifies the stream.
func (in *SinkInput) Attach() {
	in.ThreadInfo.Attached = true
	if in.AttachFn != nil {
		in.AttachFn(in)
	}
}

// Detach notifies the stream and marks the input detached on the IO side.
func (in *SinkInput) Detach() {
	if in.DetachFn != nil {
		in.DetachFn(in)
	}
	in.ThreadInfo.Attached = false
}

// Suspend notifies the stream of a suspend change, if it cares.
func (in *SinkInput) Suspend(suspended bool) {
	if in.SuspendFn != nil {
		in.SuspendFn(in, suspended)
	}
}
